// internal/model/counters.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// DailySeries holds one value per calendar day, oldest first.
// LinesRemoved entries are negative magnitudes.
type DailySeries struct {
	Dates        []string `json:"dates"`
	Authored     []int    `json:"authored"`
	Reviewed     []int    `json:"reviewed"`
	LinesAdded   []int    `json:"lines_added"`
	LinesRemoved []int    `json:"lines_removed"`
}

// Len returns the number of days in the series.
func (s *DailySeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Dates)
}

// WindowCounters are the activity counters for one time window.
// Per-project counters have ActiveProjectCount of 0 or 1.
type WindowCounters struct {
	ActiveProjectCount      int          `json:"active_project_count"`
	ActiveProjects          []int64      `json:"active_projects"`
	AuthoredCount           int          `json:"authored_count"`
	ReviewedCount           int          `json:"reviewed_count"`
	AvgCreateToMergeSeconds float64      `json:"avg_create_to_merge_seconds"`
	CreateToMergeTotal      int64        `json:"create_to_merge_total_seconds"`
	MergedCount             int          `json:"merged_count"`
	CommentCount            int          `json:"comment_count"`
	CommitCount             int          `json:"commit_count"`
	LinesAdded              int          `json:"lines_added"`
	LinesRemoved            int          `json:"lines_removed"`
	Series                  *DailySeries `json:"daily_series,omitempty"`
}

// Active reports whether the identity authored or reviewed anything in the window.
func (w WindowCounters) Active() bool {
	return w.AuthoredCount > 0 || w.ReviewedCount > 0
}

// ProjectCounters are the four window counters of one project or of the
// global reduction.
type ProjectCounters struct {
	Current7  WindowCounters `json:"counters7"`
	Current30 WindowCounters `json:"counters30"`
	Prior7    WindowCounters `json:"previous7"`
	Prior30   WindowCounters `json:"previous30"`
}

// Snapshot is the persisted result of one aggregation run.
type Snapshot struct {
	RunID         uuid.UUID                 `json:"run_id"`
	IdentityID    int64                     `json:"identity_id"`
	Version       int                       `json:"version"`
	Body          map[int64]*ProjectBundle  `json:"body,omitempty"`
	Projects      map[int64]ProjectCounters `json:"projects,omitempty"`
	Counters7     WindowCounters            `json:"counters7"`
	Counters30    WindowCounters            `json:"counters30"`
	Previous7     WindowCounters            `json:"previous7"`
	Previous30    WindowCounters            `json:"previous30"`
	Partial       bool                      `json:"partial"`
	Failures      []string                  `json:"failures,omitempty"`
	LastUpdatedAt time.Time                 `json:"last_updated_at"`
}

// SetGlobal copies the global reduction into the snapshot's top-level counters.
func (s *Snapshot) SetGlobal(c ProjectCounters) {
	s.Counters7 = c.Current7
	s.Counters30 = c.Current30
	s.Previous7 = c.Prior7
	s.Previous30 = c.Prior30
}
