// internal/aggregate/window.go
package aggregate

import (
	"time"

	"gitlab-stats-engine/internal/model"
)

const (
	day = 24 * time.Hour

	// SeriesDays30 is the 30-day series length: one entry per calendar day
	// from date(now-30d) to date(now) inclusive.
	SeriesDays30 = 31
	// SeriesDays7 is the 7-day series length, the tail of the 30-day series.
	SeriesDays7 = 7

	dateLayout = "2006-01-02"
)

// Window is a time interval. Start is always inclusive.
type Window struct {
	Start        time.Time
	End          time.Time
	EndInclusive bool
}

// Contains reports whether t falls in the window.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	if w.EndInclusive {
		return !t.After(w.End)
	}
	return t.Before(w.End)
}

// Windows returns current-7 [now-7d, now], current-30 [now-30d, now],
// prior-7 [now-14d, now-7d) and prior-30 [now-60d, now-30d).
func Windows(now time.Time) (cur7, cur30, prior7, prior30 Window) {
	cur7 = Window{Start: now.Add(-7 * day), End: now, EndInclusive: true}
	cur30 = Window{Start: now.Add(-30 * day), End: now, EndInclusive: true}
	prior7 = Window{Start: now.Add(-14 * day), End: now.Add(-7 * day)}
	prior30 = Window{Start: now.Add(-60 * day), End: now.Add(-30 * day)}
	return cur7, cur30, prior7, prior30
}

// AggregateProject computes the four window counters of one bundle relative to now.
func AggregateProject(b *model.ProjectBundle, now time.Time) model.ProjectCounters {
	now = now.UTC()
	cur7, cur30, prior7, prior30 := Windows(now)

	out := model.ProjectCounters{
		Current7:  countWindow(b, cur7),
		Current30: countWindow(b, cur30),
		Prior7:    countWindow(b, prior7),
		Prior30:   countWindow(b, prior30),
	}

	series := buildSeries(b, now, cur30)
	out.Current30.Series = series
	out.Current7.Series = Trailing(series, SeriesDays7)
	return out
}

func countWindow(b *model.ProjectBundle, w Window) model.WindowCounters {
	var c model.WindowCounters

	for _, mr := range b.Authored {
		if !w.Contains(mr.CreatedAt) {
			continue
		}
		c.AuthoredCount++
		// Comments are only counted on authored requests.
		c.CommentCount += mr.Comments.Len()
		if secs, ok := mr.CreateToMergeSeconds(); ok {
			c.CreateToMergeTotal += secs
			c.MergedCount++
		}
	}
	for _, mr := range b.Reviewed {
		if w.Contains(mr.CreatedAt) {
			c.ReviewedCount++
		}
	}
	for _, commit := range b.Commits {
		if !w.Contains(commit.CreatedAt) {
			continue
		}
		added, removed := commit.LineTotals()
		c.CommitCount++
		c.LinesAdded += added
		c.LinesRemoved += removed
	}

	c.AvgCreateToMergeSeconds = average(c.CreateToMergeTotal, c.MergedCount)
	c.ActiveProjects = []int64{}
	if c.Active() {
		c.ActiveProjectCount = 1
		c.ActiveProjects = []int64{b.Project.ID}
	}
	return c
}

// average returns total/count, or 0 when count is 0.
func average(total int64, count int) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

// EmptySeries returns a zeroed 30-day series ending on now's date.
func EmptySeries(now time.Time) *model.DailySeries {
	start := truncateDay(now.UTC().Add(-30 * day))
	s := &model.DailySeries{
		Dates:        make([]string, SeriesDays30),
		Authored:     make([]int, SeriesDays30),
		Reviewed:     make([]int, SeriesDays30),
		LinesAdded:   make([]int, SeriesDays30),
		LinesRemoved: make([]int, SeriesDays30),
	}
	for i := range s.Dates {
		s.Dates[i] = start.Add(time.Duration(i) * day).Format(dateLayout)
	}
	return s
}

func buildSeries(b *model.ProjectBundle, now time.Time, w Window) *model.DailySeries {
	s := EmptySeries(now)
	start := truncateDay(w.Start)
	index := func(t time.Time) (int, bool) {
		if !w.Contains(t) {
			return 0, false
		}
		i := int(truncateDay(t).Sub(start) / day)
		return i, i >= 0 && i < SeriesDays30
	}

	for _, mr := range b.Authored {
		if i, ok := index(mr.CreatedAt); ok {
			s.Authored[i]++
		}
	}
	for _, mr := range b.Reviewed {
		if i, ok := index(mr.CreatedAt); ok {
			s.Reviewed[i]++
		}
	}
	for _, c := range b.Commits {
		if i, ok := index(c.CreatedAt); ok {
			added, removed := c.LineTotals()
			s.LinesAdded[i] += added
			s.LinesRemoved[i] -= removed
		}
	}
	return s
}

// Trailing returns a copy of the last n entries of s.
func Trailing(s *model.DailySeries, n int) *model.DailySeries {
	if s == nil {
		return nil
	}
	if n > s.Len() {
		n = s.Len()
	}
	from := s.Len() - n
	return &model.DailySeries{
		Dates:        append([]string(nil), s.Dates[from:]...),
		Authored:     append([]int(nil), s.Authored[from:]...),
		Reviewed:     append([]int(nil), s.Reviewed[from:]...),
		LinesAdded:   append([]int(nil), s.LinesAdded[from:]...),
		LinesRemoved: append([]int(nil), s.LinesRemoved[from:]...),
	}
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
