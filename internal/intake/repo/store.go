package repo

import (
	"context"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/entity"
)

var (
	ErrNotFound      = errors.New("intake link not found")
	ErrDuplicateHash = errors.New("intake link token hash already registered")
)

// LinkStore persists intake link records. Every read is scoped by tenant; a
// record in another tenant is indistinguishable from a missing one.
type LinkStore interface {
	Create(ctx context.Context, l *entity.Link) error
	GetByID(ctx context.Context, tenantID, id string) (*entity.Link, error)
	GetByHash(ctx context.Context, tenantID, tokenHash string) (*entity.Link, error)
	// List returns the tenant's links, newest first. A non-empty workspaceID
	// narrows the result to that workspace.
	List(ctx context.Context, tenantID, workspaceID string) ([]*entity.Link, error)
	// MarkUsed moves an active, unexpired link to used. It reports false when
	// the link was not active at usedAt, so only one caller can ever win.
	MarkUsed(ctx context.Context, tenantID, id string, usedAt time.Time) (bool, error)
}
