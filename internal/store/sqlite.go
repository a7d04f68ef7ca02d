// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	custom_errors "gitlab-stats-engine/internal/errors"
	"gitlab-stats-engine/internal/model"
)

// SQLiteStore is the Store for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database at %q: %w", path, err)
	}
	// A single connection avoids "database is locked" errors.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() { _ = s.db.Close() }

func (s *SQLiteStore) LoadLatestSnapshot(ctx context.Context, identityID int64, withBody bool) (*model.Snapshot, error) {
	bodyCol := "NULL"
	if withBody {
		bodyCol = "body"
	}
	query := fmt.Sprintf(`
		SELECT run_id, identity_id, version, %s, projects, counters7, counters30,
		       previous7, previous30, partial, failures, last_updated_at
		FROM snapshots
		WHERE identity_id = ?
		ORDER BY version DESC
		LIMIT 1`, bodyCol)

	var (
		row   snapshotRow
		runID string
		body  sql.NullString
		text  [6]string
	)
	err := s.db.QueryRowContext(ctx, query, identityID).Scan(
		&runID, &row.IdentityID, &row.Version, &body, &text[0],
		&text[1], &text[2], &text[3], &text[4],
		&row.Partial, &text[5], &row.LastUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &custom_errors.ErrNotFound{Resource: "snapshot for identity", ID: identityID}
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for identity %d: %w", identityID, err)
	}
	if row.RunID, err = uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("load snapshot for identity %d: %w", identityID, err)
	}
	if body.Valid {
		row.Body = []byte(body.String)
	}
	row.Projects = []byte(text[0])
	row.Counters7 = []byte(text[1])
	row.Counters30 = []byte(text[2])
	row.Previous7 = []byte(text[3])
	row.Previous30 = []byte(text[4])
	row.Failures = []byte(text[5])
	return decodeSnapshot(row)
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	row, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (run_id, identity_id, version, body, projects, counters7, counters30,
		                       previous7, previous30, partial, failures, last_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RunID.String(), row.IdentityID, row.Version, string(row.Body), string(row.Projects),
		string(row.Counters7), string(row.Counters30), string(row.Previous7), string(row.Previous30),
		row.Partial, string(row.Failures), row.LastUpdatedAt, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return &custom_errors.ErrRunInProgress{IdentityID: snap.IdentityID}
	}
	if err != nil {
		return fmt.Errorf("save snapshot for identity %d: %w", snap.IdentityID, err)
	}
	return nil
}

func (s *SQLiteStore) CreateIdentity(ctx context.Context, identity model.TrackedIdentity) (model.TrackedIdentity, error) {
	identity.CreatedAt = time.Now().UTC()
	identity.IntegrationBroken = false
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_identities (hosting_user_id, group_id, access_token, integration_broken, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		identity.HostingUserID, identity.GroupID, identity.AccessToken, identity.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.TrackedIdentity{}, &custom_errors.ErrInvalidInput{Field: "identity", Reason: "already registered for this group"}
	}
	if err != nil {
		return model.TrackedIdentity{}, fmt.Errorf("create identity: %w", err)
	}
	if identity.ID, err = res.LastInsertId(); err != nil {
		return model.TrackedIdentity{}, fmt.Errorf("create identity: %w", err)
	}
	return identity, nil
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, id int64) (model.TrackedIdentity, error) {
	row := s.db.QueryRowContext(ctx, identitySelect+" WHERE id = ?", id)
	identity, err := scanSQLIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TrackedIdentity{}, &custom_errors.ErrNotFound{Resource: "identity", ID: id}
	}
	if err != nil {
		return model.TrackedIdentity{}, fmt.Errorf("get identity %d: %w", id, err)
	}
	return identity, nil
}

func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]model.TrackedIdentity, error) {
	rows, err := s.db.QueryContext(ctx, identitySelect+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var identities []model.TrackedIdentity
	for rows.Next() {
		identity, err := scanSQLIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("list identities: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func (s *SQLiteStore) MarkIntegrationBroken(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tracked_identities SET integration_broken = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark identity %d broken: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark identity %d broken: %w", id, err)
	}
	if n == 0 {
		return &custom_errors.ErrNotFound{Resource: "identity", ID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLIdentity(row rowScanner) (model.TrackedIdentity, error) {
	var i model.TrackedIdentity
	err := row.Scan(&i.ID, &i.HostingUserID, &i.GroupID, &i.AccessToken, &i.IntegrationBroken, &i.CreatedAt)
	i.CreatedAt = i.CreatedAt.UTC()
	return i, err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
