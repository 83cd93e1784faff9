// Package message serves inbound message data under the two-tier disclosure
// policy: every authenticated role may list redacted disclosures, only
// content-eligible roles may read a full message.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-intake/internal/access"
	"github.com/ovaphlow/pitchfork/service-intake/internal/message/entity"
	"github.com/ovaphlow/pitchfork/service-intake/internal/message/repo"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

var ErrInvalidMessage = errors.New("invalid message")

// Column widths of the messages table.
const (
	maxTenantIDLen       = 64
	maxWorkspaceIDLen    = 64
	maxChannelLen        = 16
	maxClassificationLen = 32
)

// Service encapsulates message reads and the ingestion hook.
type Service struct {
	store  repo.Store
	logger *zap.SugaredLogger
	now    func() time.Time
	newID  func() string
}

// NewService constructs a Service over an injected store.
func NewService(store repo.Store, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, logger: logger, now: time.Now, newID: utilities.NewSnowflakeID}
}

// ListMeta returns redacted disclosures for tenantID, optionally narrowed to a workspace.
func (s *Service) ListMeta(ctx context.Context, sess *access.Session, tenantID, workspaceID string) ([]entity.Disclosure, error) {
	if err := access.AuthorizeRead(sess, tenantID, access.ScopeMeta); err != nil {
		return nil, err
	}
	msgs, err := s.store.List(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]entity.Disclosure, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Project(*m))
	}
	return out, nil
}

// GetContent returns the full message when the caller's role allows it.
// Cross-tenant requests and missing messages both yield access.ErrNotFound.
func (s *Service) GetContent(ctx context.Context, sess *access.Session, tenantID, messageID string) (*entity.Message, error) {
	if err := access.AuthorizeRead(sess, tenantID, access.ScopeContent); err != nil {
		if errors.Is(err, access.ErrForbidden) {
			s.logger.Infow("content read denied", "actor_id", sess.ActorID, "tenant_id", tenantID, "role", sess.Role)
		}
		return nil, err
	}
	m, err := s.store.Get(ctx, tenantID, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// Ingest stores an inbound message delivered by the ingestion collaborator.
func (s *Service) Ingest(ctx context.Context, m entity.Message) (*entity.Message, error) {
	m.TenantID = strings.TrimSpace(m.TenantID)
	m.Sender = strings.TrimSpace(m.Sender)
	if m.TenantID == "" || m.Sender == "" {
		return nil, fmt.Errorf("%w: tenant and sender are required", ErrInvalidMessage)
	}
	for _, f := range []struct {
		name  string
		value string
		max   int
	}{
		{"tenant_id", m.TenantID, maxTenantIDLen},
		{"workspace_id", m.WorkspaceID, maxWorkspaceIDLen},
		{"channel", m.Channel, maxChannelLen},
		{"classification", m.Classification, maxClassificationLen},
	} {
		if utf8.RuneCountInString(f.value) > f.max {
			return nil, fmt.Errorf("%w: %s longer than %d characters", ErrInvalidMessage, f.name, f.max)
		}
	}
	now := s.now().UTC()
	m.ID = s.newID()
	m.Unread = true
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = now
	}
	m.ReceivedAt = m.ReceivedAt.UTC().Truncate(time.Second)
	m.UpdatedAt = now.Truncate(time.Second)
	if err := s.store.Create(ctx, &m); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	s.logger.Debugw("message ingested", "message_id", m.ID, "tenant_id", m.TenantID, "workspace_id", m.WorkspaceID)
	return &m, nil
}
