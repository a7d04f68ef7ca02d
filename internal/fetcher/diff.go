// internal/fetcher/diff.go
package fetcher

import (
	"strings"

	"gitlab-stats-engine/internal/gitlab"
	"gitlab-stats-engine/internal/model"
)

// DiffStats is the result of scanning unified diff text.
type DiffStats struct {
	Added        int
	Removed      int
	AddedLines   []string
	RemovedLines []string
}

// ParseDiff counts added and removed lines in unified diff text.
// A line starting with a single '+' is an addition and a line starting with a
// single '-' is a removal; "++"/"--" prefixed lines (file headers) and every
// other line are ignored. Line contents are recorded without the marker and
// surrounding whitespace.
func ParseDiff(text string) DiffStats {
	var s DiffStats
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "++"):
			s.Added++
			s.AddedLines = append(s.AddedLines, strings.TrimSpace(line[1:]))
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "--"):
			s.Removed++
			s.RemovedLines = append(s.RemovedLines, strings.TrimSpace(line[1:]))
		}
	}
	return s
}

// ReduceDiffs collapses the per-file diffs of one commit into a single entry.
func ReduceDiffs(shortID string, files []gitlab.FileDiff) model.CommitDiff {
	out := model.CommitDiff{
		ShortID:      shortID,
		AddedLines:   []string{},
		RemovedLines: []string{},
	}
	for _, f := range files {
		s := ParseDiff(f.Diff)
		out.LinesAdded += s.Added
		out.LinesRemoved += s.Removed
		out.AddedLines = append(out.AddedLines, s.AddedLines...)
		out.RemovedLines = append(out.RemovedLines, s.RemovedLines...)
	}
	return out
}
