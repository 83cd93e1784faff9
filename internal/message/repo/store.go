package repo

import (
	"context"
	"errors"

	"github.com/ovaphlow/pitchfork/service-intake/internal/message/entity"
)

var ErrNotFound = errors.New("message not found")

// Store reads and writes inbound messages. tenantID is a required argument of
// every read so an unscoped query cannot be written against it.
type Store interface {
	Create(ctx context.Context, m *entity.Message) error
	Get(ctx context.Context, tenantID, id string) (*entity.Message, error)
	// List returns the tenant's messages, newest first. An empty workspaceID
	// lists every workspace of the tenant.
	List(ctx context.Context, tenantID, workspaceID string) ([]*entity.Message, error)
}
