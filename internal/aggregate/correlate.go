// internal/aggregate/correlate.go
package aggregate

import (
	"strconv"

	custom_errors "gitlab-stats-engine/internal/errors"
	"gitlab-stats-engine/internal/model"
)

// Activity is everything fetched for one identity in one run.
type Activity struct {
	Authored map[int64]model.MergeRequest
	Reviewed map[int64]model.MergeRequest
	Projects map[int64]model.ProjectInfo
	Commits  map[int64][]model.Commit
	Diffs    map[int64][]model.CommitDiff
	Comments map[int64]model.CommentSet
}

// Correlate groups activity into one bundle per known project.
// Requests get their comments attached, commits get their diffs folded in.
// Records pointing at a project without ProjectInfo, and diffs whose commit
// is unknown, are skipped and reported as warnings.
func Correlate(a Activity) (map[int64]*model.ProjectBundle, []*custom_errors.CorrelationWarning) {
	var warnings []*custom_errors.CorrelationWarning
	bundles := make(map[int64]*model.ProjectBundle, len(a.Projects))
	for pid, p := range a.Projects {
		bundles[pid] = model.NewProjectBundle(p)
	}

	attach := func(requests map[int64]model.MergeRequest, role model.Role) {
		for _, mr := range requests {
			b, ok := bundles[mr.ProjectID]
			if !ok {
				warnings = append(warnings, &custom_errors.CorrelationWarning{
					Entity:    string(role) + " merge request",
					EntityID:  strconv.FormatInt(mr.ID, 10),
					Missing:   "project",
					ProjectID: mr.ProjectID,
				})
				continue
			}
			mr.Role = role
			mr.Comments = nil
			if set, ok := a.Comments[mr.ID]; ok {
				mr.Comments = &model.CommentSet{IDs: set.IDs, Bodies: set.Bodies}
			}
			b.Requests(role)[mr.ID] = mr
		}
	}
	attach(a.Authored, model.RoleAuthored)
	attach(a.Reviewed, model.RoleReviewed)

	for pid, commits := range a.Commits {
		b, ok := bundles[pid]
		if !ok {
			for _, c := range commits {
				warnings = append(warnings, &custom_errors.CorrelationWarning{Entity: "commit", EntityID: c.ShortID, Missing: "project", ProjectID: pid})
			}
			continue
		}
		for _, c := range commits {
			if _, dup := b.Commits[c.ShortID]; dup {
				continue
			}
			c.ProjectID = pid
			c.Diffs = []model.CommitDiff{}
			b.Commits[c.ShortID] = c
		}
	}

	for pid, diffs := range a.Diffs {
		b, ok := bundles[pid]
		if !ok {
			continue // already reported through its commit
		}
		for _, d := range diffs {
			c, ok := b.Commits[d.ShortID]
			if !ok {
				warnings = append(warnings, &custom_errors.CorrelationWarning{Entity: "commit diff", EntityID: d.ShortID, Missing: "commit", ProjectID: pid})
				continue
			}
			c.Diffs = append(c.Diffs, d)
			b.Commits[d.ShortID] = c
		}
	}

	return bundles, warnings
}
