package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-intake/internal/message/entity"
)

// MessageRepo provides data access for the messages table using sqlx.
type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo { return &MessageRepo{db: db} }

var _ Store = (*MessageRepo)(nil)

// EnsureTable creates the messages table if not exists (idempotent).
func (r *MessageRepo) EnsureTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
  id VARCHAR(32) PRIMARY KEY,
  tenant_id VARCHAR(64) NOT NULL,
  workspace_id VARCHAR(64) NOT NULL DEFAULT '',
  channel VARCHAR(16) NOT NULL DEFAULT '',
  sender TEXT NOT NULL,
  subject TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL DEFAULT '',
  attachments TEXT NOT NULL DEFAULT '[]',
  classification VARCHAR(32) NOT NULL DEFAULT '',
  unread BOOLEAN NOT NULL DEFAULT TRUE,
  received_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tenant_workspace ON messages(tenant_id, workspace_id, received_at)`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

type messageRow struct {
	ID             string `db:"id"`
	TenantID       string `db:"tenant_id"`
	WorkspaceID    string `db:"workspace_id"`
	Channel        string `db:"channel"`
	Sender         string `db:"sender"`
	Subject        string `db:"subject"`
	Body           string `db:"body"`
	Attachments    string `db:"attachments"`
	Classification string `db:"classification"`
	Unread         bool   `db:"unread"`
	ReceivedAt     int64  `db:"received_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (row messageRow) toEntity() (*entity.Message, error) {
	m := &entity.Message{
		ID:             row.ID,
		TenantID:       row.TenantID,
		WorkspaceID:    row.WorkspaceID,
		Channel:        row.Channel,
		Sender:         row.Sender,
		Subject:        row.Subject,
		Body:           row.Body,
		Classification: row.Classification,
		Unread:         row.Unread,
		ReceivedAt:     time.Unix(row.ReceivedAt, 0).UTC(),
		UpdatedAt:      time.Unix(row.UpdatedAt, 0).UTC(),
	}
	if err := json.Unmarshal([]byte(row.Attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of %s: %w", row.ID, err)
	}
	return m, nil
}

const messageColumns = `id, tenant_id, workspace_id, channel, sender, subject, body, attachments, classification, unread, received_at, updated_at`

// Create inserts a new message row.
func (r *MessageRepo) Create(ctx context.Context, m *entity.Message) error {
	atts := m.Attachments
	if atts == nil {
		atts = []entity.Attachment{}
	}
	raw, err := json.Marshal(atts)
	if err != nil {
		return err
	}
	q := r.db.Rebind(`INSERT INTO messages (` + messageColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	_, err = r.db.ExecContext(ctx, q,
		m.ID, m.TenantID, m.WorkspaceID, m.Channel, m.Sender, m.Subject, m.Body,
		string(raw), m.Classification, m.Unread, m.ReceivedAt.Unix(), m.UpdatedAt.Unix(),
	)
	return err
}

// Get returns a message of tenantID or ErrNotFound.
func (r *MessageRepo) Get(ctx context.Context, tenantID, id string) (*entity.Message, error) {
	var row messageRow
	q := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE tenant_id=? AND id=?`)
	if err := r.db.GetContext(ctx, &row, q, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toEntity()
}

// List returns messages of tenantID, optionally narrowed to one workspace.
func (r *MessageRepo) List(ctx context.Context, tenantID, workspaceID string) ([]*entity.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE tenant_id=?`
	args := []any{tenantID}
	if workspaceID != "" {
		q += ` AND workspace_id=?`
		args = append(args, workspaceID)
	}
	q += ` ORDER BY received_at DESC, id DESC`
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]*entity.Message, 0, len(rows))
	for _, row := range rows {
		m, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
