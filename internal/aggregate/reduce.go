// internal/aggregate/reduce.go
package aggregate

import (
	"sort"
	"time"

	"gitlab-stats-engine/internal/model"
)

// MergeCounters combines two window counters into one.
// Averages are recomputed from the summed totals, never averaged.
func MergeCounters(a, b model.WindowCounters) model.WindowCounters {
	out := model.WindowCounters{
		AuthoredCount:      a.AuthoredCount + b.AuthoredCount,
		ReviewedCount:      a.ReviewedCount + b.ReviewedCount,
		CreateToMergeTotal: a.CreateToMergeTotal + b.CreateToMergeTotal,
		MergedCount:        a.MergedCount + b.MergedCount,
		CommentCount:       a.CommentCount + b.CommentCount,
		CommitCount:        a.CommitCount + b.CommitCount,
		LinesAdded:         a.LinesAdded + b.LinesAdded,
		LinesRemoved:       a.LinesRemoved + b.LinesRemoved,
	}
	out.AvgCreateToMergeSeconds = average(out.CreateToMergeTotal, out.MergedCount)
	out.ActiveProjects = unionIDs(a.ActiveProjects, b.ActiveProjects)
	out.ActiveProjectCount = len(out.ActiveProjects)
	out.Series = mergeSeries(a.Series, b.Series)
	return out
}

// Reduce folds the per-project counters into global counters.
// The current windows always carry a full-length series, even without projects.
func Reduce(perProject map[int64]model.ProjectCounters, now time.Time) model.ProjectCounters {
	series := EmptySeries(now)
	acc := model.ProjectCounters{
		Current7:  model.WindowCounters{ActiveProjects: []int64{}, Series: Trailing(series, SeriesDays7)},
		Current30: model.WindowCounters{ActiveProjects: []int64{}, Series: series},
		Prior7:    model.WindowCounters{ActiveProjects: []int64{}},
		Prior30:   model.WindowCounters{ActiveProjects: []int64{}},
	}

	ids := make([]int64, 0, len(perProject))
	for id := range perProject {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		pc := perProject[id]
		acc = model.ProjectCounters{
			Current7:  MergeCounters(acc.Current7, pc.Current7),
			Current30: MergeCounters(acc.Current30, pc.Current30),
			Prior7:    MergeCounters(acc.Prior7, pc.Prior7),
			Prior30:   MergeCounters(acc.Prior30, pc.Prior30),
		}
	}
	return acc
}

func unionIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// mergeSeries sums two series element-wise. A shorter series is padded on the
// left (older days) with zeros so that both end on the same day.
func mergeSeries(a, b *model.DailySeries) *model.DailySeries {
	if a == nil && b == nil {
		return nil
	}
	n := a.Len()
	if b.Len() > n {
		n = b.Len()
	}
	longer := a
	if a == nil || b.Len() > a.Len() {
		longer = b
	}

	pa, pb := pad(a, n), pad(b, n)
	out := &model.DailySeries{
		Dates:        append([]string(nil), longer.Dates...),
		Authored:     make([]int, n),
		Reviewed:     make([]int, n),
		LinesAdded:   make([]int, n),
		LinesRemoved: make([]int, n),
	}
	for i := 0; i < n; i++ {
		out.Authored[i] = pa.Authored[i] + pb.Authored[i]
		out.Reviewed[i] = pa.Reviewed[i] + pb.Reviewed[i]
		out.LinesAdded[i] = pa.LinesAdded[i] + pb.LinesAdded[i]
		out.LinesRemoved[i] = pa.LinesRemoved[i] + pb.LinesRemoved[i]
	}
	return out
}

func pad(s *model.DailySeries, n int) *model.DailySeries {
	missing := n - s.Len()
	out := &model.DailySeries{
		Authored:     make([]int, missing, n),
		Reviewed:     make([]int, missing, n),
		LinesAdded:   make([]int, missing, n),
		LinesRemoved: make([]int, missing, n),
	}
	if s == nil {
		return out
	}
	out.Authored = append(out.Authored, s.Authored...)
	out.Reviewed = append(out.Reviewed, s.Reviewed...)
	out.LinesAdded = append(out.LinesAdded, s.LinesAdded...)
	out.LinesRemoved = append(out.LinesRemoved, s.LinesRemoved...)
	return out
}
