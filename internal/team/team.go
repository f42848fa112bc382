// Package team models Showdown-format VGC teams: parsing, validation,
// normalization, and conversion to the simulator's packed wire format.
package team

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// Size is the required number of builds per team.
	Size = 6
	// MaxMoves is the move-slot limit per build.
	MaxMoves = 4
	// MaxEVPerStat caps effort values on a single stat.
	MaxEVPerStat = 252
	// MaxEVTotal caps the effort-value sum across all stats.
	MaxEVTotal = 510
	// MaxIV caps individual values per stat.
	MaxIV = 31
)

var ErrInvalid = errors.New("invalid team")

var statNames = [6]string{"HP", "Atk", "Def", "SpA", "SpD", "Spe"}

// Stats holds one value per stat in HP/Atk/Def/SpA/SpD/Spe order.
type Stats [6]int

// DefaultIVs returns a full 31-per-stat spread.
func DefaultIVs() Stats {
	return Stats{MaxIV, MaxIV, MaxIV, MaxIV, MaxIV, MaxIV}
}

func (s Stats) Total() int {
	total := 0
	for _, v := range s {
		total += v
	}
	return total
}

// Build is one creature slot of a team.
type Build struct {
	Nickname string
	Species  string
	Gender   string
	Item     string
	Ability  string
	Level    int
	Shiny    bool
	TeraType string
	EVs      Stats
	IVs      Stats
	Nature   string
	Moves    []string
}

// Team is an immutable, validated set of exactly six builds. Two teams with
// the same Key are mirror opponents of each other.
type Team struct {
	builds [Size]Build
	key    string
	text   string
}

// New validates the builds and returns an immutable Team. The key is
// derived from build content, not order, so reordered copies of the same
// six builds compare equal.
func New(builds []Build) (Team, error) {
	if len(builds) != Size {
		return Team{}, fmt.Errorf("%w: got %d builds, want %d", ErrInvalid, len(builds), Size)
	}

	var t Team
	for i, b := range builds {
		if b.Species == "" {
			return Team{}, fmt.Errorf("%w: build %d has no species", ErrInvalid, i+1)
		}
		if len(b.Moves) == 0 || len(b.Moves) > MaxMoves {
			return Team{}, fmt.Errorf("%w: %s has %d moves, want 1..%d", ErrInvalid, b.Species, len(b.Moves), MaxMoves)
		}
		if b.Level < 1 || b.Level > 100 {
			return Team{}, fmt.Errorf("%w: %s has level %d, want 1..100", ErrInvalid, b.Species, b.Level)
		}
		for j, ev := range b.EVs {
			if ev < 0 || ev > MaxEVPerStat {
				return Team{}, fmt.Errorf("%w: %s has %d %s EVs, want 0..%d", ErrInvalid, b.Species, ev, statNames[j], MaxEVPerStat)
			}
		}
		if total := b.EVs.Total(); total > MaxEVTotal {
			return Team{}, fmt.Errorf("%w: %s has %d total EVs, want <= %d", ErrInvalid, b.Species, total, MaxEVTotal)
		}
		for j, iv := range b.IVs {
			if iv < 0 || iv > MaxIV {
				return Team{}, fmt.Errorf("%w: %s has %d %s IVs, want 0..%d", ErrInvalid, b.Species, iv, statNames[j], MaxIV)
			}
		}
		if b.Nature == "" {
			// Same default the sim applies, so a team's key survives an
			// export/re-parse round trip.
			b.Nature = "Serious"
		}
		b.Moves = append([]string(nil), b.Moves...)
		t.builds[i] = b
	}

	t.key = computeKey(t.builds)
	t.text = renderExport(t.builds)
	return t, nil
}

// Builds returns a copy of the team's builds.
func (t Team) Builds() []Build {
	out := make([]Build, Size)
	for i, b := range t.builds {
		b.Moves = append([]string(nil), b.Moves...)
		out[i] = b
	}
	return out
}

// Key is a short content hash identifying the team.
func (t Team) Key() string {
	return t.key
}

// Lead returns the species of the first build, for display.
func (t Team) Lead() string {
	return t.builds[0].Species
}

// String renders the team in canonical Showdown export format.
func (t Team) String() string {
	return t.text
}

// SimilarityScore reports the fraction of builds two teams share, matching
// builds by content. A score of 1.0 means the teams are duplicates.
func SimilarityScore(a, b Team) float64 {
	remaining := make(map[string]int, Size)
	for _, build := range b.builds {
		remaining[buildKey(build)]++
	}
	shared := 0
	for _, build := range a.builds {
		key := buildKey(build)
		if remaining[key] > 0 {
			remaining[key]--
			shared++
		}
	}
	return float64(shared) / float64(Size)
}

func computeKey(builds [Size]Build) string {
	keys := make([]string, Size)
	for i, b := range builds {
		keys[i] = buildKey(b)
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return hex.EncodeToString(sum[:6])
}

func buildKey(b Build) string {
	moves := append([]string(nil), b.Moves...)
	for i, m := range moves {
		moves[i] = toID(m)
	}
	sort.Strings(moves)

	var sb strings.Builder
	sb.WriteString(toID(b.Species))
	sb.WriteByte('|')
	sb.WriteString(toID(b.Item))
	sb.WriteByte('|')
	sb.WriteString(toID(b.Ability))
	sb.WriteByte('|')
	sb.WriteString(strings.Join(moves, ","))
	sb.WriteByte('|')
	sb.WriteString(toID(b.Nature))
	sb.WriteByte('|')
	sb.WriteString(toID(b.TeraType))
	fmt.Fprintf(&sb, "|%d|%v|%v", b.Level, b.EVs, b.IVs)
	return sb.String()
}

// ToID collapses a display name into the simulator's identifier form:
// lowercase with everything but letters and digits removed.
func ToID(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func toID(s string) string { return ToID(s) }

func renderExport(builds [Size]Build) string {
	blocks := make([]string, 0, Size)
	for _, b := range builds {
		blocks = append(blocks, renderBuild(b))
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

func renderBuild(b Build) string {
	var sb strings.Builder

	header := b.Species
	if b.Nickname != "" && b.Nickname != b.Species {
		header = fmt.Sprintf("%s (%s)", b.Nickname, b.Species)
	}
	if b.Gender == "M" || b.Gender == "F" {
		header += fmt.Sprintf(" (%s)", b.Gender)
	}
	if b.Item != "" {
		header += " @ " + b.Item
	}
	sb.WriteString(header)
	sb.WriteByte('\n')

	if b.Ability != "" {
		fmt.Fprintf(&sb, "Ability: %s\n", b.Ability)
	}
	if b.Level != 100 {
		fmt.Fprintf(&sb, "Level: %d\n", b.Level)
	}
	if b.Shiny {
		sb.WriteString("Shiny: Yes\n")
	}
	if b.TeraType != "" {
		fmt.Fprintf(&sb, "Tera Type: %s\n", b.TeraType)
	}
	if line := renderSpread(b.EVs, Stats{}); line != "" {
		fmt.Fprintf(&sb, "EVs: %s\n", line)
	}
	if b.Nature != "" {
		fmt.Fprintf(&sb, "%s Nature\n", b.Nature)
	}
	if line := renderSpread(b.IVs, DefaultIVs()); line != "" {
		fmt.Fprintf(&sb, "IVs: %s\n", line)
	}
	for _, move := range b.Moves {
		fmt.Fprintf(&sb, "- %s\n", move)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// renderSpread formats only the stats that differ from the default spread.
func renderSpread(values, defaults Stats) string {
	parts := make([]string, 0, 6)
	for i, v := range values {
		if v != defaults[i] {
			parts = append(parts, fmt.Sprintf("%d %s", v, statNames[i]))
		}
	}
	return strings.Join(parts, " / ")
}
