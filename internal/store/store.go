// internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gitlab-stats-engine/internal/config"
	"gitlab-stats-engine/internal/model"
)

// Store persists tracked identities and snapshots.
// Every snapshot is a new row; the latest version per identity is current.
type Store interface {
	// LoadLatestSnapshot returns the highest version for the identity, or an
	// ErrNotFound. The per-project body is only decoded when withBody is set.
	LoadLatestSnapshot(ctx context.Context, identityID int64, withBody bool) (*model.Snapshot, error)
	// SaveSnapshot writes the snapshot in one statement. A concurrent writer
	// that already stored the same version yields ErrRunInProgress.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error

	CreateIdentity(ctx context.Context, identity model.TrackedIdentity) (model.TrackedIdentity, error)
	GetIdentity(ctx context.Context, id int64) (model.TrackedIdentity, error)
	ListIdentities(ctx context.Context) ([]model.TrackedIdentity, error)
	MarkIntegrationBroken(ctx context.Context, id int64) error

	Close()
}

// New opens the store for the configured backend. Migrations are not applied.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.DBBackend {
	case config.BackendPostgres:
		return NewPostgres(ctx, cfg.DBURL)
	case config.BackendSQLite:
		return NewSQLite(ctx, cfg.DBURL)
	default:
		return nil, fmt.Errorf("unsupported db backend: %s", cfg.DBBackend)
	}
}

// snapshotRow is the column layout of the snapshots table.
type snapshotRow struct {
	RunID         uuid.UUID
	IdentityID    int64
	Version       int
	Body          []byte
	Projects      []byte
	Counters7     []byte
	Counters30    []byte
	Previous7     []byte
	Previous30    []byte
	Partial       bool
	Failures      []byte
	LastUpdatedAt time.Time
}

func encodeSnapshot(s *model.Snapshot) (snapshotRow, error) {
	row := snapshotRow{
		RunID:         s.RunID,
		IdentityID:    s.IdentityID,
		Version:       s.Version,
		Partial:       s.Partial,
		LastUpdatedAt: s.LastUpdatedAt.UTC(),
	}

	body := s.Body
	if body == nil {
		body = map[int64]*model.ProjectBundle{}
	}
	projects := s.Projects
	if projects == nil {
		projects = map[int64]model.ProjectCounters{}
	}
	failures := s.Failures
	if failures == nil {
		failures = []string{}
	}

	fields := []struct {
		dst *[]byte
		src any
	}{
		{&row.Body, body},
		{&row.Projects, projects},
		{&row.Counters7, s.Counters7},
		{&row.Counters30, s.Counters30},
		{&row.Previous7, s.Previous7},
		{&row.Previous30, s.Previous30},
		{&row.Failures, failures},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.src)
		if err != nil {
			return snapshotRow{}, fmt.Errorf("encode snapshot %s: %w", s.RunID, err)
		}
		*f.dst = b
	}
	return row, nil
}

func decodeSnapshot(row snapshotRow) (*model.Snapshot, error) {
	s := &model.Snapshot{
		RunID:         row.RunID,
		IdentityID:    row.IdentityID,
		Version:       row.Version,
		Partial:       row.Partial,
		LastUpdatedAt: row.LastUpdatedAt.UTC(),
	}

	fields := []struct {
		src []byte
		dst any
	}{
		{row.Body, &s.Body},
		{row.Projects, &s.Projects},
		{row.Counters7, &s.Counters7},
		{row.Counters30, &s.Counters30},
		{row.Previous7, &s.Previous7},
		{row.Previous30, &s.Previous30},
		{row.Failures, &s.Failures},
	}
	for _, f := range fields {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", row.RunID, err)
		}
	}
	for pid, b := range s.Body {
		if b == nil {
			delete(s.Body, pid)
			continue
		}
		b.EnsureMaps()
	}
	if len(s.Failures) == 0 {
		s.Failures = nil
	}
	return s, nil
}
