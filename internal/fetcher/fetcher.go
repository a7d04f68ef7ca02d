// internal/fetcher/fetcher.go
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	custom_errors "gitlab-stats-engine/internal/errors"
	"gitlab-stats-engine/internal/gitlab"
	"gitlab-stats-engine/internal/model"
)

const perPage = 100 // GitLab maximum

// HostingAPI is the subset of the GitLab client the fetcher uses.
type HostingAPI interface {
	ListGroupMembers(ctx context.Context, token string, groupID int64, opts *gitlab.ListOptions) ([]gitlab.Member, int, error)
	ListMergeRequests(ctx context.Context, token string, opts *gitlab.MergeRequestsOptions) ([]gitlab.MergeRequest, int, error)
	GetMergeRequest(ctx context.Context, token string, projectID, iid int64) (*gitlab.MergeRequest, error)
	GetProject(ctx context.Context, token string, projectID int64) (*gitlab.Project, error)
	ListCommits(ctx context.Context, token string, projectID int64, opts *gitlab.CommitsOptions) ([]gitlab.Commit, int, error)
	GetCommitDiff(ctx context.Context, token string, projectID int64, shortID string, opts *gitlab.ListOptions) ([]gitlab.FileDiff, int, error)
	ListNotes(ctx context.Context, token string, projectID, iid int64, opts *gitlab.ListOptions) ([]gitlab.Note, int, error)
}

// Options tune concurrency and retries.
type Options struct {
	Concurrency         int
	PerTokenConcurrency int
	MaxRetries          int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
}

// Fetcher retrieves one identity's activity from GitLab and normalizes it.
// Multi-target fetches degrade gracefully: a failed sub-call is recorded in
// the returned failure list and the rest of the data is kept.
type Fetcher struct {
	client HostingAPI
	logger *slog.Logger
	opts   Options
	gates  *tokenGates
}

// NewFetcher creates a Fetcher. Zero option values fall back to defaults.
func NewFetcher(client HostingAPI, logger *slog.Logger, opts Options) *Fetcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.PerTokenConcurrency < 1 {
		opts.PerTokenConcurrency = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Fetcher{
		client: client,
		logger: logger,
		opts:   opts,
		gates:  newTokenGates(opts.PerTokenConcurrency),
	}
}

// failures collects partial-failure notes from concurrent sub-calls.
type failures struct {
	mu    sync.Mutex
	notes []string
}

func (f *failures) add(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, fmt.Sprintf(format, args...))
}

func (f *failures) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	sort.Strings(f.notes)
	return f.notes
}

// call runs op under the credential's gate, retrying transport errors and
// rate limiting with exponential backoff.
func (f *Fetcher) call(ctx context.Context, token string, op func(ctx context.Context) error) error {
	release, err := f.gates.acquire(ctx, token)
	if err != nil {
		return err
	}
	defer release()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.opts.InitialBackoff
	eb.MaxInterval = f.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.opts.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !custom_errors.Retryable(err) {
			return backoff.Permanent(err)
		}
		var hErr *custom_errors.HostingError
		if errors.As(err, &hErr) && hErr.RetryAfter > 0 {
			f.logger.Warn("Rate limited by GitLab, waiting", "retry_after", hErr.RetryAfter)
			if werr := sleep(ctx, hErr.RetryAfter); werr != nil {
				return backoff.Permanent(werr)
			}
		}
		f.logger.Debug("Retrying GitLab call", "error", err)
		return err
	}, b)
}

// inaccessible reports whether err is a 403 or 404 from GitLab.
func inaccessible(err error) bool {
	var hErr *custom_errors.HostingError
	return errors.As(err, &hErr) && hErr.Inaccessible()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VerifyMembership checks that the identity still belongs to its group.
// A missing membership or a rejected credential yields IntegrationBroken.
func (f *Fetcher) VerifyMembership(ctx context.Context, id model.TrackedIdentity) error {
	opts := &gitlab.ListOptions{Page: 1, PerPage: perPage}
	for {
		var members []gitlab.Member
		var next int
		err := f.call(ctx, id.AccessToken, func(ctx context.Context) error {
			var err error
			members, next, err = f.client.ListGroupMembers(ctx, id.AccessToken, id.GroupID, opts)
			return err
		})
		if err != nil {
			var hErr *custom_errors.HostingError
			if errors.As(err, &hErr) && (hErr.Unauthorized() || hErr.Status == 404) {
				return &custom_errors.IntegrationBroken{
					IdentityID: id.ID,
					Reason:     fmt.Sprintf("group %d members lookup returned status %d", id.GroupID, hErr.Status),
				}
			}
			return fmt.Errorf("verify membership: %w", err)
		}
		for _, m := range members {
			if m.ID == id.HostingUserID {
				return nil
			}
		}
		if next == 0 {
			break
		}
		opts.Page = next
	}
	return &custom_errors.IntegrationBroken{
		IdentityID: id.ID,
		Reason:     fmt.Sprintf("user %d is not a member of group %d", id.HostingUserID, id.GroupID),
	}
}

// FetchAuthoredRequests lists merge requests authored by the identity created at or after cutoff.
func (f *Fetcher) FetchAuthoredRequests(ctx context.Context, id model.TrackedIdentity, cutoff time.Time) (map[int64]model.MergeRequest, error) {
	return f.fetchRequests(ctx, id, cutoff, model.RoleAuthored)
}

// FetchReviewedRequests lists merge requests reviewed by the identity created at or after cutoff.
func (f *Fetcher) FetchReviewedRequests(ctx context.Context, id model.TrackedIdentity, cutoff time.Time) (map[int64]model.MergeRequest, error) {
	return f.fetchRequests(ctx, id, cutoff, model.RoleReviewed)
}

// fetchRequests returns whatever pages were gathered even when a later page fails.
func (f *Fetcher) fetchRequests(ctx context.Context, id model.TrackedIdentity, cutoff time.Time, role model.Role) (map[int64]model.MergeRequest, error) {
	uid := id.HostingUserID
	opts := &gitlab.MergeRequestsOptions{
		CreatedAfter: cutoff,
		Scope:        "all",
		ListOptions:  gitlab.ListOptions{Page: 1, PerPage: perPage},
	}
	if role == model.RoleAuthored {
		opts.AuthorID = &uid
	} else {
		opts.ReviewerID = &uid
	}

	out := make(map[int64]model.MergeRequest)
	for {
		f.logger.Debug("Fetching merge requests page", "role", role, "created_after", gitlab.FormatTime(cutoff), "page", opts.Page)

		var page []gitlab.MergeRequest
		var next int
		err := f.call(ctx, id.AccessToken, func(ctx context.Context) error {
			var err error
			page, next, err = f.client.ListMergeRequests(ctx, id.AccessToken, opts)
			return err
		})
		if err != nil {
			return out, fmt.Errorf("list %s merge requests: %w", role, err)
		}

		for _, mr := range page {
			if mr.CreatedAt.Before(cutoff) {
				continue
			}
			out[mr.ID] = toInternalMergeRequest(mr, role)
		}

		if next == 0 {
			break
		}
		opts.Page = next
	}
	return out, nil
}

// FetchProjectInfo resolves metadata for projectIDs. Deleted or forbidden
// projects are dropped with a warning and are not reported as failures;
// any other error is.
func (f *Fetcher) FetchProjectInfo(ctx context.Context, id model.TrackedIdentity, projectIDs []int64) (map[int64]model.ProjectInfo, []string) {
	var mu sync.Mutex
	out := make(map[int64]model.ProjectInfo, len(projectIDs))
	fails := &failures{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)
	for _, pid := range projectIDs {
		g.Go(func() error {
			var p *gitlab.Project
			err := f.call(gctx, id.AccessToken, func(ctx context.Context) error {
				var err error
				p, err = f.client.GetProject(ctx, id.AccessToken, pid)
				return err
			})
			if err != nil {
				if inaccessible(err) {
					f.logger.Warn("Dropping inaccessible project", "project_id", pid, "error", err)
					return nil
				}
				f.logger.Warn("Failed to fetch project", "project_id", pid, "error", err)
				fails.add("project %d: %v", pid, err)
				return nil
			}
			mu.Lock()
			out[pid] = model.ProjectInfo{ID: pid, Name: p.Name, URL: p.WebURL}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, fails.list()
}

// FetchCommits lists commits authored by the identity in each project since cutoff.
func (f *Fetcher) FetchCommits(ctx context.Context, id model.TrackedIdentity, projectIDs []int64, cutoff time.Time) (map[int64][]model.Commit, []string) {
	var mu sync.Mutex
	out := make(map[int64][]model.Commit, len(projectIDs))
	fails := &failures{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)
	for _, pid := range projectIDs {
		g.Go(func() error {
			commits, err := f.projectCommits(gctx, id, pid, cutoff)
			if err != nil {
				f.logger.Warn("Failed to fetch commits", "project_id", pid, "error", err)
				fails.add("commits for project %d: %v", pid, err)
			}
			if len(commits) > 0 {
				mu.Lock()
				out[pid] = commits
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, fails.list()
}

func (f *Fetcher) projectCommits(ctx context.Context, id model.TrackedIdentity, projectID int64, cutoff time.Time) ([]model.Commit, error) {
	opts := &gitlab.CommitsOptions{
		AuthorID:    id.HostingUserID,
		Since:       cutoff,
		ListOptions: gitlab.ListOptions{Page: 1, PerPage: perPage},
	}

	var out []model.Commit
	for {
		var page []gitlab.Commit
		var next int
		err := f.call(ctx, id.AccessToken, func(ctx context.Context) error {
			var err error
			page, next, err = f.client.ListCommits(ctx, id.AccessToken, projectID, opts)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, c := range page {
			if c.CreatedAt.Before(cutoff) {
				continue
			}
			out = append(out, toInternalCommit(c, projectID))
		}
		if next == 0 {
			return out, nil
		}
		opts.Page = next
	}
}

// FetchDiffs fetches every commit's diff and reduces it to line counts.
func (f *Fetcher) FetchDiffs(ctx context.Context, id model.TrackedIdentity, commitsByProject map[int64][]model.Commit) (map[int64][]model.CommitDiff, []string) {
	var mu sync.Mutex
	out := make(map[int64][]model.CommitDiff, len(commitsByProject))
	fails := &failures{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)
	for pid, commits := range commitsByProject {
		for _, c := range commits {
			g.Go(func() error {
				files, err := f.commitDiff(gctx, id, pid, c.ShortID)
				if err != nil {
					f.logger.Warn("Failed to fetch commit diff", "project_id", pid, "short_id", c.ShortID, "error", err)
					fails.add("diff for commit %s in project %d: %v", c.ShortID, pid, err)
					return nil
				}
				d := ReduceDiffs(c.ShortID, files)
				mu.Lock()
				out[pid] = append(out[pid], d)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	for pid := range out {
		sort.SliceStable(out[pid], func(i, j int) bool { return out[pid][i].ShortID < out[pid][j].ShortID })
	}
	return out, fails.list()
}

func (f *Fetcher) commitDiff(ctx context.Context, id model.TrackedIdentity, projectID int64, shortID string) ([]gitlab.FileDiff, error) {
	opts := &gitlab.ListOptions{Page: 1, PerPage: perPage}
	var out []gitlab.FileDiff
	for {
		var page []gitlab.FileDiff
		var next int
		err := f.call(ctx, id.AccessToken, func(ctx context.Context) error {
			var err error
			page, next, err = f.client.GetCommitDiff(ctx, id.AccessToken, projectID, shortID, opts)
			return err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == 0 {
			return out, nil
		}
		opts.Page = next
	}
}

// FetchComments returns review comments created at or after cutoff for each
// request, keyed by request id, in API order.
func (f *Fetcher) FetchComments(ctx context.Context, id model.TrackedIdentity, requests []model.MergeRequest, cutoff time.Time) (map[int64]model.CommentSet, []string) {
	var mu sync.Mutex
	out := make(map[int64]model.CommentSet, len(requests))
	fails := &failures{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)
	for _, mr := range requests {
		g.Go(func() error {
			set, err := f.requestComments(gctx, id, mr, cutoff)
			if err != nil {
				f.logger.Warn("Failed to fetch comments", "request_id", mr.ID, "project_id", mr.ProjectID, "error", err)
				fails.add("comments for merge request %d: %v", mr.ID, err)
				return nil
			}
			mu.Lock()
			out[mr.ID] = set
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, fails.list()
}

func (f *Fetcher) requestComments(ctx context.Context, id model.TrackedIdentity, mr model.MergeRequest, cutoff time.Time) (model.CommentSet, error) {
	opts := &gitlab.ListOptions{Page: 1, PerPage: perPage}
	set := model.CommentSet{IDs: []int64{}, Bodies: []string{}}
	for {
		var page []gitlab.Note
		var next int
		err := f.call(ctx, id.AccessToken, func(ctx context.Context) error {
			var err error
			page, next, err = f.client.ListNotes(ctx, id.AccessToken, mr.ProjectID, mr.IID, opts)
			return err
		})
		if err != nil {
			return set, err
		}
		for _, n := range page {
			if n.CreatedAt.Before(cutoff) {
				continue
			}
			set.IDs = append(set.IDs, n.ID)
			set.Bodies = append(set.Bodies, n.Body)
		}
		if next == 0 {
			return set, nil
		}
		opts.Page = next
	}
}

// RefreshRequests re-reads the given requests so merge timestamps set after
// the original fetch are picked up. Role and comments are left to the caller.
func (f *Fetcher) RefreshRequests(ctx context.Context, id model.TrackedIdentity, requests []model.MergeRequest) (map[int64]model.MergeRequest, []string) {
	var mu sync.Mutex
	out := make(map[int64]model.MergeRequest, len(requests))
	fails := &failures{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)
	for _, mr := range requests {
		g.Go(func() error {
			var fresh *gitlab.MergeRequest
			err := f.call(gctx, id.AccessToken, func(ctx context.Context) error {
				var err error
				fresh, err = f.client.GetMergeRequest(ctx, id.AccessToken, mr.ProjectID, mr.IID)
				return err
			})
			if err != nil {
				if inaccessible(err) {
					f.logger.Warn("Skipping inaccessible merge request", "request_id", mr.ID, "project_id", mr.ProjectID, "error", err)
					return nil
				}
				fails.add("refresh merge request %d: %v", mr.ID, err)
				return nil
			}
			mu.Lock()
			out[mr.ID] = toInternalMergeRequest(*fresh, mr.Role)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, fails.list()
}

// toInternalMergeRequest translates a GitLab merge request into our model.
// Comments stay absent until correlation.
func toInternalMergeRequest(mr gitlab.MergeRequest, role model.Role) model.MergeRequest {
	out := model.MergeRequest{
		ID:        mr.ID,
		ProjectID: mr.ProjectID,
		IID:       mr.IID,
		CreatedAt: mr.CreatedAt.UTC(),
		Role:      role,
	}
	if mr.MergedAt != nil {
		t := mr.MergedAt.UTC()
		out.MergedAt = &t
	}
	return out
}

// toInternalCommit translates a GitLab commit into our model.
func toInternalCommit(c gitlab.Commit, projectID int64) model.Commit {
	return model.Commit{
		ShortID:   c.ShortID,
		ProjectID: projectID,
		CreatedAt: c.CreatedAt.UTC(),
		WebURL:    c.WebURL,
		Diffs:     []model.CommitDiff{},
	}
}
