package team

import (
	"fmt"
	"strconv"
	"strings"
)

// Abilities whose battle messages cannot be attributed to a single creature,
// which breaks replay parsing downstream. Teams carrying them are skipped on
// bulk load.
var bannedAbilities = map[string]struct{}{
	"illusion":  {},
	"commander": {},
}

// Parse reads a team in Showdown export format: one block per build,
// blank-line separated. The text is normalized first.
func Parse(text string) (Team, error) {
	blocks := splitBlocks(Normalize(text))
	builds := make([]Build, 0, len(blocks))
	for i, block := range blocks {
		build, err := parseBlock(block)
		if err != nil {
			return Team{}, fmt.Errorf("%w: build %d: %v", ErrInvalid, i+1, err)
		}
		builds = append(builds, build)
	}
	return New(builds)
}

// HasBannedAbility reports whether any build uses an ability from the
// banned set. Checked on the raw text so unparseable teams are still
// filtered.
func HasBannedAbility(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		value, ok := cutPrefixFold(line, "Ability:")
		if !ok {
			continue
		}
		if _, banned := bannedAbilities[toID(value)]; banned {
			return true
		}
	}
	return false
}

// Normalize cleans up whitespace and fixes the ambiguous "As One" ability,
// which has two distinct forms depending on the Calyrex rider.
func Normalize(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	blocks := groupBlocks(lines)
	normalized := make([]string, 0, len(blocks))
	for _, block := range blocks {
		asOne := "As One (Spectrier)"
		if strings.Contains(strings.ToLower(block[0]), "calyrex-ice") {
			asOne = "As One (Glastrier)"
		}
		for i, line := range block {
			trimmed := strings.TrimSpace(line)
			if value, ok := cutPrefixFold(trimmed, "Ability:"); ok && toID(value) == "asone" {
				block[i] = "Ability: " + asOne
			}
		}
		normalized = append(normalized, strings.Join(block, "\n"))
	}
	return strings.Join(normalized, "\n\n") + "\n"
}

func splitBlocks(text string) [][]string {
	return groupBlocks(strings.Split(text, "\n"))
}

func groupBlocks(lines []string) [][]string {
	var blocks [][]string
	var block []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if len(block) > 0 {
				blocks = append(blocks, block)
				block = nil
			}
			continue
		}
		block = append(block, line)
	}
	if len(block) > 0 {
		blocks = append(blocks, block)
	}
	return blocks
}

func parseBlock(lines []string) (Build, error) {
	build := Build{
		Level:  100,
		IVs:    DefaultIVs(),
		Nature: "Serious",
	}
	if err := parseHeader(strings.TrimSpace(lines[0]), &build); err != nil {
		return Build{}, err
	}

	for _, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "- "):
			move := strings.TrimSpace(strings.TrimPrefix(line, "- "))
			if move == "" {
				return Build{}, fmt.Errorf("empty move line")
			}
			build.Moves = append(build.Moves, move)
		case hasPrefixFold(line, "Ability:"):
			value, _ := cutPrefixFold(line, "Ability:")
			build.Ability = value
		case hasPrefixFold(line, "Level:"):
			value, _ := cutPrefixFold(line, "Level:")
			level, err := strconv.Atoi(value)
			if err != nil {
				return Build{}, fmt.Errorf("bad level %q", value)
			}
			build.Level = level
		case hasPrefixFold(line, "Shiny:"):
			value, _ := cutPrefixFold(line, "Shiny:")
			build.Shiny = strings.EqualFold(value, "Yes")
		case hasPrefixFold(line, "Tera Type:"):
			value, _ := cutPrefixFold(line, "Tera Type:")
			build.TeraType = value
		case hasPrefixFold(line, "EVs:"):
			value, _ := cutPrefixFold(line, "EVs:")
			spread, err := parseSpread(value, Stats{})
			if err != nil {
				return Build{}, fmt.Errorf("bad EVs: %v", err)
			}
			build.EVs = spread
		case hasPrefixFold(line, "IVs:"):
			value, _ := cutPrefixFold(line, "IVs:")
			spread, err := parseSpread(value, DefaultIVs())
			if err != nil {
				return Build{}, fmt.Errorf("bad IVs: %v", err)
			}
			build.IVs = spread
		case hasSuffixFold(line, "Nature"):
			build.Nature = strings.TrimSpace(strings.TrimSuffix(line, "Nature"))
		case hasPrefixFold(line, "Happiness:"):
			// Pre-gen-8 leftover in some pastes, no effect in this format.
		default:
			return Build{}, fmt.Errorf("unrecognized line %q", line)
		}
	}
	return build, nil
}

// parseHeader handles the forms "Species", "Species @ Item",
// "Nickname (Species)", and either with a trailing "(M)"/"(F)" gender tag.
func parseHeader(header string, build *Build) error {
	name := header
	if idx := strings.LastIndex(header, " @ "); idx >= 0 {
		name = strings.TrimSpace(header[:idx])
		build.Item = strings.TrimSpace(header[idx+3:])
	}

	for _, gender := range []string{"(M)", "(F)"} {
		if strings.HasSuffix(name, gender) {
			build.Gender = strings.Trim(gender, "()")
			name = strings.TrimSpace(strings.TrimSuffix(name, gender))
			break
		}
	}

	if strings.HasSuffix(name, ")") {
		open := strings.LastIndex(name, "(")
		if open < 0 {
			return fmt.Errorf("unbalanced header %q", header)
		}
		build.Nickname = strings.TrimSpace(name[:open])
		build.Species = strings.TrimSpace(name[open+1 : len(name)-1])
	} else {
		build.Species = name
	}
	if build.Species == "" {
		return fmt.Errorf("no species in header %q", header)
	}
	return nil
}

func parseSpread(value string, defaults Stats) (Stats, error) {
	spread := defaults
	for _, part := range strings.Split(value, "/") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) != 2 {
			return Stats{}, fmt.Errorf("malformed entry %q", part)
		}
		amount, err := strconv.Atoi(fields[0])
		if err != nil {
			return Stats{}, fmt.Errorf("malformed amount %q", fields[0])
		}
		idx := -1
		for i, stat := range statNames {
			if strings.EqualFold(stat, fields[1]) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Stats{}, fmt.Errorf("unknown stat %q", fields[1])
		}
		spread[idx] = amount
	}
	return spread, nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func hasSuffixFold(s, suffix string) bool {
	return len(s) >= len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if !hasPrefixFold(s, prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}
