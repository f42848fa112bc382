package team

import (
	"strconv"
	"strings"
)

// Pack converts the team to the simulator's packed format, the
// representation the /utm command expects. Field order per entry:
// name|species|item|ability|moves|nature|evs|gender|ivs|shiny|level|misc,
// entries joined by "]". Default values pack as empty fields.
func (t Team) Pack() string {
	entries := make([]string, 0, Size)
	for _, b := range t.builds {
		entries = append(entries, packBuild(b))
	}
	return strings.Join(entries, "]")
}

func packBuild(b Build) string {
	fields := make([]string, 0, 12)

	name := b.Nickname
	if name == "" {
		name = b.Species
	}
	fields = append(fields, name)
	if toID(name) == toID(b.Species) {
		fields = append(fields, "")
	} else {
		fields = append(fields, toID(b.Species))
	}
	fields = append(fields, toID(b.Item))
	fields = append(fields, toID(b.Ability))

	moves := make([]string, len(b.Moves))
	for i, m := range b.Moves {
		moves[i] = toID(m)
	}
	fields = append(fields, strings.Join(moves, ","))
	fields = append(fields, b.Nature)
	fields = append(fields, packSpread(b.EVs, 0))
	fields = append(fields, b.Gender)
	fields = append(fields, packSpread(b.IVs, MaxIV))

	if b.Shiny {
		fields = append(fields, "S")
	} else {
		fields = append(fields, "")
	}
	if b.Level != 100 {
		fields = append(fields, strconv.Itoa(b.Level))
	} else {
		fields = append(fields, "")
	}

	// Misc group: happiness,hptype,pokeball,gigantamax,dynamaxlevel,teratype.
	// Only the tera type is modeled here.
	if b.TeraType != "" {
		fields = append(fields, ",,,,,"+b.TeraType)
	} else {
		fields = append(fields, "")
	}
	return strings.Join(fields, "|")
}

// packSpread renders six comma-separated values, omitting the default and
// collapsing an all-default spread to the empty string.
func packSpread(values Stats, def int) string {
	allDefault := true
	parts := make([]string, 6)
	for i, v := range values {
		if v == def {
			continue
		}
		allDefault = false
		parts[i] = strconv.Itoa(v)
	}
	if allDefault {
		return ""
	}
	return strings.Join(parts, ",")
}
