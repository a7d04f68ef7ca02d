// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	custom_errors "gitlab-stats-engine/internal/errors"
	"gitlab-stats-engine/internal/model"
)

const pgUniqueViolation = "23505"

// PostgresStore is the Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres connects to dbURL and verifies the connection.
func NewPostgres(ctx context.Context, dbURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) LoadLatestSnapshot(ctx context.Context, identityID int64, withBody bool) (*model.Snapshot, error) {
	bodyCol := "NULL::jsonb"
	if withBody {
		bodyCol = "body"
	}
	query := fmt.Sprintf(`
		SELECT run_id, identity_id, version, %s, projects, counters7, counters30,
		       previous7, previous30, partial, failures, last_updated_at
		FROM snapshots
		WHERE identity_id = $1
		ORDER BY version DESC
		LIMIT 1`, bodyCol)

	var row snapshotRow
	err := s.pool.QueryRow(ctx, query, identityID).Scan(
		&row.RunID, &row.IdentityID, &row.Version, &row.Body, &row.Projects,
		&row.Counters7, &row.Counters30, &row.Previous7, &row.Previous30,
		&row.Partial, &row.Failures, &row.LastUpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &custom_errors.ErrNotFound{Resource: "snapshot for identity", ID: identityID}
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for identity %d: %w", identityID, err)
	}
	return decodeSnapshot(row)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	row, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (run_id, identity_id, version, body, projects, counters7, counters30,
		                       previous7, previous30, partial, failures, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		row.RunID, row.IdentityID, row.Version, row.Body, row.Projects,
		row.Counters7, row.Counters30, row.Previous7, row.Previous30,
		row.Partial, row.Failures, row.LastUpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &custom_errors.ErrRunInProgress{IdentityID: snap.IdentityID}
	}
	if err != nil {
		return fmt.Errorf("save snapshot for identity %d: %w", snap.IdentityID, err)
	}
	return nil
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, identity model.TrackedIdentity) (model.TrackedIdentity, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tracked_identities (hosting_user_id, group_id, access_token)
		VALUES ($1, $2, $3)
		RETURNING id, integration_broken, created_at`,
		identity.HostingUserID, identity.GroupID, identity.AccessToken,
	).Scan(&identity.ID, &identity.IntegrationBroken, &identity.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return model.TrackedIdentity{}, &custom_errors.ErrInvalidInput{Field: "identity", Reason: "already registered for this group"}
	}
	if err != nil {
		return model.TrackedIdentity{}, fmt.Errorf("create identity: %w", err)
	}
	identity.CreatedAt = identity.CreatedAt.UTC()
	return identity, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id int64) (model.TrackedIdentity, error) {
	rows, err := s.pool.Query(ctx, identitySelect+" WHERE id = $1", id)
	if err != nil {
		return model.TrackedIdentity{}, fmt.Errorf("get identity %d: %w", id, err)
	}
	identity, err := pgx.CollectExactlyOneRow(rows, scanIdentity)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TrackedIdentity{}, &custom_errors.ErrNotFound{Resource: "identity", ID: id}
	}
	if err != nil {
		return model.TrackedIdentity{}, fmt.Errorf("get identity %d: %w", id, err)
	}
	return identity, nil
}

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]model.TrackedIdentity, error) {
	rows, err := s.pool.Query(ctx, identitySelect+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	identities, err := pgx.CollectRows(rows, scanIdentity)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return identities, nil
}

func (s *PostgresStore) MarkIntegrationBroken(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tracked_identities SET integration_broken = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark identity %d broken: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &custom_errors.ErrNotFound{Resource: "identity", ID: id}
	}
	return nil
}

const identitySelect = `
	SELECT id, hosting_user_id, group_id, access_token, integration_broken, created_at
	FROM tracked_identities`

func scanIdentity(row pgx.CollectableRow) (model.TrackedIdentity, error) {
	var i model.TrackedIdentity
	err := row.Scan(&i.ID, &i.HostingUserID, &i.GroupID, &i.AccessToken, &i.IntegrationBroken, &i.CreatedAt)
	i.CreatedAt = i.CreatedAt.UTC()
	return i, err
}
