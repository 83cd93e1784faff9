package repo

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ovaphlow/pitchfork/service-intake/internal/message/entity"
)

// MemoryStore is an isolated in-process Store for tests and DB_DRIVER=memory.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[string]*entity.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: map[string]*entity.Message{}}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, m *entity.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[m.ID]; ok {
		return errors.New("message already exists")
	}
	s.msgs[m.ID] = clone(m)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (*entity.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok || m.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return clone(m), nil
}

func (s *MemoryStore) List(_ context.Context, tenantID, workspaceID string) ([]*entity.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*entity.Message
	for _, m := range s.msgs {
		if m.TenantID != tenantID || (workspaceID != "" && m.WorkspaceID != workspaceID) {
			continue
		}
		out = append(out, clone(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out, nil
}

func clone(m *entity.Message) *entity.Message {
	cp := *m
	cp.Attachments = append([]entity.Attachment(nil), m.Attachments...)
	return &cp
}
