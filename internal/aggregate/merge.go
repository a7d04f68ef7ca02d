// internal/aggregate/merge.go
package aggregate

import (
	"time"

	"github.com/google/uuid"

	"gitlab-stats-engine/internal/model"
)

// Compute returns per-project and global counters for body relative to now.
func Compute(body map[int64]*model.ProjectBundle, now time.Time) (map[int64]model.ProjectCounters, model.ProjectCounters) {
	perProject := make(map[int64]model.ProjectCounters, len(body))
	for pid, b := range body {
		perProject[pid] = AggregateProject(b, now)
	}
	return perProject, Reduce(perProject, now)
}

// Merge folds fresh bundles into the previous snapshot and recomputes every
// counter relative to now. previous may be nil for a first run and is never
// modified.
//
// Requests are keyed by id and commits by short_id; on collision the fresh
// record wins, so a late merged_at replaces the stored one. Stored comments
// are kept and fresh comments with new ids are appended. A fresh commit
// without diffs keeps the stored diffs.
func Merge(previous *model.Snapshot, fresh map[int64]*model.ProjectBundle, identityID int64, now time.Time) *model.Snapshot {
	now = now.UTC()
	body := make(map[int64]*model.ProjectBundle)
	version := 1
	if previous != nil {
		version = previous.Version + 1
		for pid, b := range previous.Body {
			body[pid] = cloneBundle(b)
		}
	}

	for pid, fb := range fresh {
		b, ok := body[pid]
		if !ok {
			b = model.NewProjectBundle(fb.Project)
			body[pid] = b
		}
		if fb.Project.ID != 0 {
			b.Project = fb.Project
		}
		mergeRequests(b.Authored, fb.Authored)
		mergeRequests(b.Reviewed, fb.Reviewed)
		for sid, c := range fb.Commits {
			if stored, ok := b.Commits[sid]; ok && len(c.Diffs) == 0 {
				c.Diffs = stored.Diffs
			}
			b.Commits[sid] = c
		}
	}

	perProject, global := Compute(body, now)
	snap := &model.Snapshot{
		RunID:         uuid.New(),
		IdentityID:    identityID,
		Version:       version,
		Body:          body,
		Projects:      perProject,
		LastUpdatedAt: now,
	}
	snap.SetGlobal(global)
	return snap
}

func mergeRequests(dst, src map[int64]model.MergeRequest) {
	for id, mr := range src {
		if stored, ok := dst[id]; ok {
			mr.Comments = unionComments(stored.Comments, mr.Comments)
		}
		dst[id] = mr
	}
}

// unionComments keeps the stored order and appends fresh comments whose id
// is not stored yet. Nil means no comments were ever fetched.
func unionComments(stored, fresh *model.CommentSet) *model.CommentSet {
	if stored == nil && fresh == nil {
		return nil
	}
	out := &model.CommentSet{IDs: []int64{}, Bodies: []string{}}
	seen := make(map[int64]struct{})
	for _, set := range []*model.CommentSet{stored, fresh} {
		if set == nil {
			continue
		}
		for i, id := range set.IDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out.IDs = append(out.IDs, id)
			body := ""
			if i < len(set.Bodies) {
				body = set.Bodies[i]
			}
			out.Bodies = append(out.Bodies, body)
		}
	}
	return out
}

func cloneBundle(b *model.ProjectBundle) *model.ProjectBundle {
	out := model.NewProjectBundle(b.Project)
	for id, mr := range b.Authored {
		out.Authored[id] = cloneRequest(mr)
	}
	for id, mr := range b.Reviewed {
		out.Reviewed[id] = cloneRequest(mr)
	}
	for sid, c := range b.Commits {
		c.Diffs = append([]model.CommitDiff{}, c.Diffs...)
		out.Commits[sid] = c
	}
	return out
}

func cloneRequest(mr model.MergeRequest) model.MergeRequest {
	if mr.Comments != nil {
		mr.Comments = &model.CommentSet{
			IDs:    append([]int64{}, mr.Comments.IDs...),
			Bodies: append([]string{}, mr.Comments.Bodies...),
		}
	}
	return mr
}
