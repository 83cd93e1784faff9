package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/entity"
)

// LinkRepo stores intake links with sqlx. Queries are written with ? and
// rebound for the connected driver, so the same repo serves postgres and sqlite.
type LinkRepo struct {
	db *sqlx.DB
}

func NewLinkRepo(db *sqlx.DB) *LinkRepo { return &LinkRepo{db: db} }

var _ LinkStore = (*LinkRepo)(nil)

// EnsureTable creates the intake_links table if not exists (idempotent).
// This is a convenience for development and sqlite; postgres deployments use migrations.
func (r *LinkRepo) EnsureTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS intake_links (
  id VARCHAR(32) PRIMARY KEY,
  tenant_id VARCHAR(64) NOT NULL,
  kind VARCHAR(32) NOT NULL,
  workspace_id VARCHAR(64),
  token_hash CHAR(64) NOT NULL UNIQUE,
  token_tail VARCHAR(4) NOT NULL,
  allowed_channels VARCHAR(64) NOT NULL,
  status VARCHAR(16) NOT NULL DEFAULT 'active',
  created_by VARCHAR(64) NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  expires_at BIGINT NOT NULL,
  used_at BIGINT
)`,
		`CREATE INDEX IF NOT EXISTS idx_intake_links_tenant_workspace ON intake_links(tenant_id, workspace_id)`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// linkRow mirrors the table; timestamps are unix seconds so both drivers scan them the same way.
type linkRow struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	Kind            string         `db:"kind"`
	WorkspaceID     sql.NullString `db:"workspace_id"`
	TokenHash       string         `db:"token_hash"`
	TokenTail       string         `db:"token_tail"`
	AllowedChannels string         `db:"allowed_channels"`
	Status          string         `db:"status"`
	CreatedBy       string         `db:"created_by"`
	CreatedAt       int64          `db:"created_at"`
	ExpiresAt       int64          `db:"expires_at"`
	UsedAt          sql.NullInt64  `db:"used_at"`
}

func (row linkRow) toEntity() *entity.Link {
	l := &entity.Link{
		ID:              row.ID,
		TenantID:        row.TenantID,
		Kind:            entity.Kind(row.Kind),
		TokenHash:       row.TokenHash,
		TokenTail:       row.TokenTail,
		AllowedChannels: entity.SplitChannels(row.AllowedChannels),
		Status:          entity.Status(row.Status),
		CreatedBy:       row.CreatedBy,
		CreatedAt:       time.Unix(row.CreatedAt, 0).UTC(),
		ExpiresAt:       time.Unix(row.ExpiresAt, 0).UTC(),
	}
	if row.WorkspaceID.Valid {
		ws := row.WorkspaceID.String
		l.WorkspaceID = &ws
	}
	if row.UsedAt.Valid {
		t := time.Unix(row.UsedAt.Int64, 0).UTC()
		l.UsedAt = &t
	}
	return l
}

const linkColumns = `id, tenant_id, kind, workspace_id, token_hash, token_tail, allowed_channels, status, created_by, created_at, expires_at, used_at`

// Create inserts a new link row.
func (r *LinkRepo) Create(ctx context.Context, l *entity.Link) error {
	q := r.db.Rebind(`INSERT INTO intake_links (` + linkColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	var ws sql.NullString
	if l.WorkspaceID != nil {
		ws = sql.NullString{String: *l.WorkspaceID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, q,
		l.ID, l.TenantID, string(l.Kind), ws, l.TokenHash, l.TokenTail,
		entity.JoinChannels(l.AllowedChannels), string(l.Status), l.CreatedBy,
		l.CreatedAt.Unix(), l.ExpiresAt.Unix(), nil,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHash
		}
		return err
	}
	return nil
}

// GetByID returns the link with id inside tenantID or ErrNotFound.
func (r *LinkRepo) GetByID(ctx context.Context, tenantID, id string) (*entity.Link, error) {
	return r.getOne(ctx, `SELECT `+linkColumns+` FROM intake_links WHERE tenant_id=? AND id=?`, tenantID, id)
}

// GetByHash returns the link whose token hashes to tokenHash inside tenantID or ErrNotFound.
func (r *LinkRepo) GetByHash(ctx context.Context, tenantID, tokenHash string) (*entity.Link, error) {
	return r.getOne(ctx, `SELECT `+linkColumns+` FROM intake_links WHERE tenant_id=? AND token_hash=?`, tenantID, tokenHash)
}

func (r *LinkRepo) getOne(ctx context.Context, q string, args ...any) (*entity.Link, error) {
	var row linkRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity(), nil
}

// List returns the tenant's links, newest first, optionally narrowed to one
// workspace.
func (r *LinkRepo) List(ctx context.Context, tenantID, workspaceID string) ([]*entity.Link, error) {
	q := `SELECT ` + linkColumns + ` FROM intake_links WHERE tenant_id=?`
	args := []any{tenantID}
	if workspaceID != "" {
		q += ` AND workspace_id=?`
		args = append(args, workspaceID)
	}
	q += ` ORDER BY created_at DESC, id DESC`
	var rows []linkRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]*entity.Link, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// MarkUsed flips status from active to used in a single conditional update.
func (r *LinkRepo) MarkUsed(ctx context.Context, tenantID, id string, usedAt time.Time) (bool, error) {
	q := r.db.Rebind(`UPDATE intake_links SET status='used', used_at=?
		WHERE tenant_id=? AND id=? AND status='active' AND expires_at > ?`)
	res, err := r.db.ExecContext(ctx, q, usedAt.Unix(), tenantID, id, usedAt.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// isUniqueViolation matches postgres 23505 and sqlite UNIQUE constraint failures.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
