package population

import (
	"sort"

	"palaestra/internal/model"
)

type cellKey struct {
	PolicyA string
	PolicyB string
	TeamA   string
	TeamB   string
}

func (k cellKey) flipped() cellKey {
	return cellKey{PolicyA: k.PolicyB, PolicyB: k.PolicyA, TeamA: k.TeamB, TeamB: k.TeamA}
}

// less orders pairings so every (a,b)/(b,a) pair has one canonical
// orientation.
func (k cellKey) less(o cellKey) bool {
	if k.PolicyA != o.PolicyA {
		return k.PolicyA < o.PolicyA
	}
	if k.PolicyB != o.PolicyB {
		return k.PolicyB < o.PolicyB
	}
	if k.TeamA != o.TeamA {
		return k.TeamA < o.TeamA
	}
	return k.TeamB < o.TeamB
}

// Matrix is the sparse win-rate table keyed by (policy, policy, team,
// team). One orientation per pairing is stored; the reverse entry is the
// complement and is derived, never written.
type Matrix struct {
	cells map[cellKey]model.MatrixCell
}

func NewMatrix() *Matrix {
	return &Matrix{cells: make(map[cellKey]model.MatrixCell)}
}

// Record folds one game outcome into the pairing's running average:
// rate moves by (outcome - rate) / (games + 1), then games increments.
// Outcome is from side A's view on the win-rate scale (win 1, draw 0.5,
// loss 0).
func (m *Matrix) Record(policyA, policyB, teamA, teamB string, outcome float64) {
	key := cellKey{PolicyA: policyA, PolicyB: policyB, TeamA: teamA, TeamB: teamB}
	if key.flipped().less(key) {
		key = key.flipped()
		outcome = 1 - outcome
	}

	cell, ok := m.cells[key]
	if !ok {
		cell = model.MatrixCell{
			PolicyA: key.PolicyA,
			PolicyB: key.PolicyB,
			TeamA:   key.TeamA,
			TeamB:   key.TeamB,
		}
	}

	cell.Rate += (outcome - cell.Rate) / float64(cell.Games+1)
	cell.Games++
	switch {
	case outcome == 1:
		cell.Wins++
	case outcome == 0:
		cell.Losses++
	default:
		cell.Draws++
	}
	m.cells[key] = cell
}

// Cell resolves the pairing in the asked orientation, complementing the
// stored entry when the canonical orientation is the reverse one.
func (m *Matrix) Cell(policyA, policyB, teamA, teamB string) (model.MatrixCell, bool) {
	key := cellKey{PolicyA: policyA, PolicyB: policyB, TeamA: teamA, TeamB: teamB}
	if cell, ok := m.cells[key]; ok {
		return cell, true
	}
	if cell, ok := m.cells[key.flipped()]; ok {
		return complementCell(cell), true
	}
	return model.MatrixCell{}, false
}

func complementCell(cell model.MatrixCell) model.MatrixCell {
	return model.MatrixCell{
		VersionedRecord: cell.VersionedRecord,
		PolicyA:         cell.PolicyB,
		PolicyB:         cell.PolicyA,
		TeamA:           cell.TeamB,
		TeamB:           cell.TeamA,
		Rate:            1 - cell.Rate,
		Games:           cell.Games,
		Wins:            cell.Losses,
		Draws:           cell.Draws,
		Losses:          cell.Wins,
	}
}

// AggregateRate pools every team pairing between two policies into one
// games-weighted rate from policyA's view.
func (m *Matrix) AggregateRate(policyA, policyB string) (float64, int) {
	score := 0.0
	games := 0
	for key, cell := range m.cells {
		oriented := cell
		switch {
		case key.PolicyA == policyA && key.PolicyB == policyB:
		case key.PolicyA == policyB && key.PolicyB == policyA:
			oriented = complementCell(cell)
		default:
			continue
		}
		score += oriented.Rate * float64(oriented.Games)
		games += oriented.Games
	}
	if games == 0 {
		return 0, 0
	}
	return score / float64(games), games
}

// Cells lists every stored cell in canonical key order.
func (m *Matrix) Cells() []model.MatrixCell {
	keys := make([]cellKey, 0, len(m.cells))
	for key := range m.cells {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	out := make([]model.MatrixCell, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.cells[key])
	}
	return out
}

// Load replaces the matrix contents with persisted cells. Cells are
// stored as given; persistence writes canonical orientations only.
func (m *Matrix) Load(cells []model.MatrixCell) {
	m.cells = make(map[cellKey]model.MatrixCell, len(cells))
	for _, cell := range cells {
		key := cellKey{PolicyA: cell.PolicyA, PolicyB: cell.PolicyB, TeamA: cell.TeamA, TeamB: cell.TeamB}
		if key.flipped().less(key) {
			key = key.flipped()
			cell = complementCell(cell)
		}
		m.cells[key] = cell
	}
}

func (m *Matrix) Clone() *Matrix {
	clone := NewMatrix()
	for key, cell := range m.cells {
		clone.cells[key] = cell
	}
	return clone
}

func (m *Matrix) Size() int {
	return len(m.cells)
}
