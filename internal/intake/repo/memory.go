package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/entity"
)

// MemoryStore is an in-process LinkStore for tests and DB_DRIVER=memory.
// Each instance is isolated; there is no package-level state.
type MemoryStore struct {
	mu     sync.Mutex
	links  map[string]*entity.Link // by id
	hashes map[string]string       // token hash -> id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: map[string]*entity.Link{}, hashes: map[string]string{}}
}

var _ LinkStore = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, l *entity.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hashes[l.TokenHash]; ok {
		return ErrDuplicateHash
	}
	cp := cloneLink(l)
	m.links[cp.ID] = cp
	m.hashes[cp.TokenHash] = cp.ID
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, tenantID, id string) (*entity.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok || l.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return cloneLink(l), nil
}

func (m *MemoryStore) GetByHash(ctx context.Context, tenantID, tokenHash string) (*entity.Link, error) {
	m.mu.Lock()
	id, ok := m.hashes[tokenHash]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, tenantID, id)
}

func (m *MemoryStore) List(_ context.Context, tenantID, workspaceID string) ([]*entity.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.Link
	for _, l := range m.links {
		if l.TenantID != tenantID {
			continue
		}
		if workspaceID != "" && (l.WorkspaceID == nil || *l.WorkspaceID != workspaceID) {
			continue
		}
		out = append(out, cloneLink(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) MarkUsed(_ context.Context, tenantID, id string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok || l.TenantID != tenantID {
		return false, nil
	}
	if l.Status != entity.StatusActive || !usedAt.Before(l.ExpiresAt) {
		return false, nil
	}
	t := usedAt.UTC()
	l.Status = entity.StatusUsed
	l.UsedAt = &t
	return true, nil
}

func cloneLink(l *entity.Link) *entity.Link {
	cp := *l
	if l.WorkspaceID != nil {
		ws := *l.WorkspaceID
		cp.WorkspaceID = &ws
	}
	if l.UsedAt != nil {
		t := *l.UsedAt
		cp.UsedAt = &t
	}
	cp.AllowedChannels = append([]entity.Channel(nil), l.AllowedChannels...)
	return &cp
}
