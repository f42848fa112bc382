package team

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadReport counts what a directory load kept and skipped.
type LoadReport struct {
	Loaded            int
	SkippedBanned     int
	SkippedDuplicates int
	SkippedInvalid    int
}

// LoadFile reads and parses a single team file. Unlike LoadDirectory it
// fails on any problem, since an explicitly named team must be usable.
func LoadFile(path string) (Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Team{}, fmt.Errorf("read team file: %w", err)
	}
	t, err := Parse(string(data))
	if err != nil {
		return Team{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// LoadDirectory walks dir recursively for .txt team files, in stable path
// order. Teams with banned abilities, unparseable teams, and duplicates of
// an already loaded team are skipped and counted rather than failing the
// load; scraped tournament archives always contain a few of each.
func LoadDirectory(dir string) ([]Team, LoadReport, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".txt") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, LoadReport{}, fmt.Errorf("walk team dir: %w", err)
	}
	sort.Strings(paths)

	var report LoadReport
	teams := make([]Team, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, LoadReport{}, fmt.Errorf("read team file: %w", err)
		}
		text := string(data)
		if HasBannedAbility(text) {
			report.SkippedBanned++
			continue
		}
		t, err := Parse(text)
		if err != nil {
			slog.Warn("skipping unparseable team", "path", path, "err", err)
			report.SkippedInvalid++
			continue
		}
		duplicate := false
		for _, prev := range teams {
			if SimilarityScore(t, prev) == 1.0 {
				duplicate = true
				break
			}
		}
		if duplicate {
			report.SkippedDuplicates++
			continue
		}
		teams = append(teams, t)
	}
	report.Loaded = len(teams)

	if len(teams) == 0 {
		return nil, report, fmt.Errorf("%w: no usable teams under %s", ErrInvalid, dir)
	}
	return teams, report, nil
}
