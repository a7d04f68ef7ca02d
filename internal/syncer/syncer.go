// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gitlab-stats-engine/internal/aggregate"
	custom_errors "gitlab-stats-engine/internal/errors"
	"gitlab-stats-engine/internal/fetcher"
	"gitlab-stats-engine/internal/model"
	"gitlab-stats-engine/internal/store"
)

// Mode selects how far back a run fetches.
type Mode string

const (
	// ModeCreate fetches the whole lookback window.
	ModeCreate Mode = "create"
	// ModeUpdate fetches only activity since the stored snapshot's last update.
	ModeUpdate Mode = "update"
)

// Options configure the Syncer.
type Options struct {
	Lookback     time.Duration
	SyncInterval time.Duration
	RunTimeout   time.Duration
	Concurrency  int
}

// Syncer orchestrates aggregation runs: fetch, correlate, aggregate, merge, save.
type Syncer struct {
	store   store.Store
	fetcher *fetcher.Fetcher
	logger  *slog.Logger
	opts    Options
	locks   *runLocks
	now     func() time.Time
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(st store.Store, f *fetcher.Fetcher, logger *slog.Logger, opts Options) *Syncer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Syncer{
		store:   st,
		fetcher: f,
		logger:  logger,
		opts:    opts,
		locks:   newRunLocks(),
		now:     time.Now,
	}
}

// Start runs an update for every healthy identity now and then on every tick.
func (s *Syncer) Start(ctx context.Context) {
	s.logger.Info("Starting syncer", "interval", s.opts.SyncInterval.String(), "concurrency", s.opts.Concurrency)
	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()

	s.runSyncCycle(ctx) // Initial sync

	for {
		select {
		case <-ticker.C:
			s.runSyncCycle(ctx)
		case <-ctx.Done():
			s.logger.Info("Syncer shutting down", "reason", ctx.Err())
			return
		}
	}
}

// runSyncCycle updates all identities whose integration is not broken.
func (s *Syncer) runSyncCycle(ctx context.Context) {
	s.logger.Info("Starting new sync cycle")
	identities, err := s.store.ListIdentities(ctx)
	if err != nil {
		s.logger.Error("Failed to list identities", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, identity := range identities {
		if identity.IntegrationBroken {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			_, err := s.Run(gctx, identity.ID, ModeUpdate)
			var inProgress *custom_errors.ErrRunInProgress
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.As(err, &inProgress):
				s.logger.Info("Skipping identity, run already in progress", "identity_id", identity.ID)
			default:
				s.logger.Error("Failed to aggregate identity", "identity_id", identity.ID, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Sync cycle finished with an error", "error", err)
	} else {
		s.logger.Info("Sync cycle finished")
	}
}

// Register verifies the identity's group membership and stores it.
func (s *Syncer) Register(ctx context.Context, identity model.TrackedIdentity) (model.TrackedIdentity, error) {
	if identity.HostingUserID <= 0 {
		return model.TrackedIdentity{}, &custom_errors.ErrInvalidInput{Field: "hosting_user_id", Reason: "must be positive"}
	}
	if identity.GroupID <= 0 {
		return model.TrackedIdentity{}, &custom_errors.ErrInvalidInput{Field: "group_id", Reason: "must be positive"}
	}
	if identity.AccessToken == "" {
		return model.TrackedIdentity{}, &custom_errors.ErrInvalidInput{Field: "access_token", Reason: "must not be empty"}
	}
	if err := s.fetcher.VerifyMembership(ctx, identity); err != nil {
		return model.TrackedIdentity{}, err
	}
	created, err := s.store.CreateIdentity(ctx, identity)
	if err != nil {
		return model.TrackedIdentity{}, err
	}
	s.logger.Info("Registered identity", "identity_id", created.ID, "group_id", created.GroupID)
	return created, nil
}

// Run performs one aggregation run for the identity and saves the snapshot.
// Only one run per identity executes at a time; a concurrent call fails
// with ErrRunInProgress.
func (s *Syncer) Run(ctx context.Context, identityID int64, mode Mode) (*model.Snapshot, error) {
	release, ok := s.locks.tryLock(identityID)
	if !ok {
		return nil, &custom_errors.ErrRunInProgress{IdentityID: identityID}
	}
	defer release()

	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	identity, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.IntegrationBroken {
		return nil, &custom_errors.IntegrationBroken{IdentityID: identity.ID, Reason: "integration was previously flagged as broken"}
	}

	logger := s.logger.With("identity_id", identity.ID, "mode", mode)

	if err := s.fetcher.VerifyMembership(ctx, identity); err != nil {
		var broken *custom_errors.IntegrationBroken
		if errors.As(err, &broken) {
			logger.Warn("Integration broken, flagging identity", "reason", broken.Reason)
			if merr := s.store.MarkIntegrationBroken(ctx, identity.ID); merr != nil {
				logger.Error("Failed to flag identity", "error", merr)
			}
		}
		return nil, err
	}

	previous, err := s.store.LoadLatestSnapshot(ctx, identity.ID, true)
	var notFound *custom_errors.ErrNotFound
	if errors.As(err, &notFound) {
		previous, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	cutoff := now.Add(-s.opts.Lookback)
	if mode == ModeUpdate && previous != nil {
		cutoff = previous.LastUpdatedAt
	}
	logger.Info("Starting aggregation run", "cutoff", cutoff.Format(time.RFC3339), "previous_version", versionOf(previous))

	activity, fails := s.collect(ctx, identity, previous, cutoff)

	bundles, warnings := aggregate.Correlate(activity)
	for _, w := range warnings {
		logger.Warn("Skipping uncorrelated record", "kind", w.Kind(), "warning", w.Error())
	}

	snap := aggregate.Merge(previous, bundles, identity.ID, now)
	if len(fails) > 0 {
		// Keep the cutoff so the next update refetches what this run missed.
		// Dropped projects are not failures and do not hold it back.
		snap.Partial = true
		snap.Failures = fails
		snap.LastUpdatedAt = cutoff
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	logger.Info("Aggregation run finished",
		"run_id", snap.RunID,
		"version", snap.Version,
		"projects", len(snap.Body),
		"partial", snap.Partial,
		"failures", len(fails),
	)
	return snap, nil
}

// collect performs every fetch of one run. Failures of individual calls are
// returned as notes alongside whatever was gathered.
func (s *Syncer) collect(ctx context.Context, identity model.TrackedIdentity, previous *model.Snapshot, cutoff time.Time) (aggregate.Activity, []string) {
	var fails []string
	note := func(err error) {
		if err != nil {
			fails = append(fails, err.Error())
		}
	}

	var authored, reviewed map[int64]model.MergeRequest
	var authoredErr, reviewedErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		authored, authoredErr = s.fetcher.FetchAuthoredRequests(ctx, identity, cutoff)
	}()
	go func() {
		defer wg.Done()
		reviewed, reviewedErr = s.fetcher.FetchReviewedRequests(ctx, identity, cutoff)
	}()
	wg.Wait()
	note(authoredErr)
	note(reviewedErr)

	if stale := unmergedAuthored(previous, authored); len(stale) > 0 {
		refreshed, rf := s.fetcher.RefreshRequests(ctx, identity, stale)
		fails = append(fails, rf...)
		for id, mr := range refreshed {
			authored[id] = mr
		}
	}

	projectIDs := projectIDsOf(previous, authored, reviewed)
	projects, pf := s.fetcher.FetchProjectInfo(ctx, identity, projectIDs)
	fails = append(fails, pf...)

	known := make([]int64, 0, len(projects))
	for pid := range projects {
		known = append(known, pid)
	}
	sort.Slice(known, func(i, j int) bool { return known[i] < known[j] })

	commits, cf := s.fetcher.FetchCommits(ctx, identity, known, cutoff)
	fails = append(fails, cf...)
	diffs, df := s.fetcher.FetchDiffs(ctx, identity, commits)
	fails = append(fails, df...)

	// Comments are only counted on authored requests, so only those are fetched.
	// Requests in dropped projects never reach a bundle.
	targets := make([]model.MergeRequest, 0, len(authored))
	for _, mr := range authored {
		if _, ok := projects[mr.ProjectID]; ok {
			targets = append(targets, mr)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	comments, nf := s.fetcher.FetchComments(ctx, identity, targets, cutoff)
	fails = append(fails, nf...)

	return aggregate.Activity{
		Authored: authored,
		Reviewed: reviewed,
		Projects: projects,
		Commits:  commits,
		Diffs:    diffs,
		Comments: comments,
	}, fails
}

// unmergedAuthored returns stored authored requests without a merge time
// that were not fetched again in this run.
func unmergedAuthored(previous *model.Snapshot, fresh map[int64]model.MergeRequest) []model.MergeRequest {
	if previous == nil {
		return nil
	}
	var out []model.MergeRequest
	for _, b := range previous.Body {
		for id, mr := range b.Authored {
			if mr.MergedAt != nil {
				continue
			}
			if _, ok := fresh[id]; ok {
				continue
			}
			out = append(out, mr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func projectIDsOf(previous *model.Snapshot, requestMaps ...map[int64]model.MergeRequest) []int64 {
	seen := make(map[int64]struct{})
	if previous != nil {
		for pid := range previous.Body {
			seen[pid] = struct{}{}
		}
	}
	for _, m := range requestMaps {
		for _, mr := range m {
			seen[mr.ProjectID] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func versionOf(s *model.Snapshot) int {
	if s == nil {
		return 0
	}
	return s.Version
}
