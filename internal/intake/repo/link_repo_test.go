package repo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/entity"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/database"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSQLiteRepo(t *testing.T) *LinkRepo {
	t.Helper()
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := NewLinkRepo(db)
	require.NoError(t, r.EnsureTable(context.Background()))
	// idempotent
	require.NoError(t, r.EnsureTable(context.Background()))
	return r
}

func sampleLink(id, tenant, hash string, ws *string, created time.Time) *entity.Link {
	return &entity.Link{
		ID:              id,
		TenantID:        tenant,
		Kind:            entity.KindExistingWorkspace,
		WorkspaceID:     ws,
		TokenHash:       hash,
		TokenTail:       hash[len(hash)-4:],
		AllowedChannels: []entity.Channel{entity.ChannelEmail, entity.ChannelSMS},
		Status:          entity.StatusActive,
		CreatedBy:       "u-1",
		CreatedAt:       created,
		ExpiresAt:       created.Add(24 * time.Hour),
	}
}

func strp(s string) *string { return &s }

// stores runs each test against every LinkStore implementation.
func stores(t *testing.T) map[string]LinkStore {
	return map[string]LinkStore{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteRepo(t),
	}
}

func TestLinkStoreCreateAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := sampleLink("l1", "t-1", "hash-aaaa", strp("ws-1"), t0)
			require.NoError(t, s.Create(ctx, l))

			got, err := s.GetByID(ctx, "t-1", "l1")
			require.NoError(t, err)
			assert.Equal(t, "hash-aaaa", got.TokenHash)
			assert.Equal(t, "aaaa", got.TokenTail)
			require.NotNil(t, got.WorkspaceID)
			assert.Equal(t, "ws-1", *got.WorkspaceID)
			assert.Equal(t, []entity.Channel{entity.ChannelEmail, entity.ChannelSMS}, got.AllowedChannels)
			assert.Equal(t, entity.StatusActive, got.Status)
			assert.True(t, t0.Equal(got.CreatedAt))
			assert.True(t, t0.Add(24*time.Hour).Equal(got.ExpiresAt))
			assert.Nil(t, got.UsedAt)

			byHash, err := s.GetByHash(ctx, "t-1", "hash-aaaa")
			require.NoError(t, err)
			assert.Equal(t, "l1", byHash.ID)

			_, err = s.GetByID(ctx, "t-2", "l1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByHash(ctx, "t-2", "hash-aaaa")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetByID(ctx, "t-1", "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLinkStoreNewClientHasNoWorkspace(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := sampleLink("l1", "t-1", "hash-bbbb", nil, t0)
			l.Kind = entity.KindNewClient
			require.NoError(t, s.Create(ctx, l))

			got, err := s.GetByID(ctx, "t-1", "l1")
			require.NoError(t, err)
			assert.Nil(t, got.WorkspaceID)
			assert.Equal(t, entity.KindNewClient, got.Kind)
		})
	}
}

func TestLinkStoreDuplicateHash(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, sampleLink("l1", "t-1", "hash-same", nil, t0)))
			err := s.Create(ctx, sampleLink("l2", "t-1", "hash-same", nil, t0))
			assert.ErrorIs(t, err, ErrDuplicateHash)
		})
	}
}

func TestLinkStoreList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, sampleLink("l1", "t-1", "hash-0001", strp("ws-1"), t0)))
			require.NoError(t, s.Create(ctx, sampleLink("l2", "t-1", "hash-0002", strp("ws-1"), t0.Add(time.Minute))))
			require.NoError(t, s.Create(ctx, sampleLink("l3", "t-1", "hash-0003", strp("ws-2"), t0)))
			require.NoError(t, s.Create(ctx, sampleLink("l4", "t-2", "hash-0004", strp("ws-1"), t0)))

			links, err := s.List(ctx, "t-1", "ws-1")
			require.NoError(t, err)
			require.Len(t, links, 2)
			assert.Equal(t, "l2", links[0].ID)
			assert.Equal(t, "l1", links[1].ID)

			links, err = s.List(ctx, "t-1", "ws-9")
			require.NoError(t, err)
			assert.Empty(t, links)

			// new-client links have no workspace and only show tenant-wide
			require.NoError(t, s.Create(ctx, sampleLink("l5", "t-1", "hash-0005", nil, t0.Add(2*time.Minute))))
			links, err = s.List(ctx, "t-1", "")
			require.NoError(t, err)
			ids := make([]string, 0, len(links))
			for _, l := range links {
				ids = append(ids, l.ID)
			}
			assert.Equal(t, []string{"l5", "l2", "l3", "l1"}, ids)
		})
	}
}

func TestLinkStoreMarkUsed(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, sampleLink("l1", "t-1", "hash-cccc", nil, t0)))

			ok, err := s.MarkUsed(ctx, "t-2", "l1", t0.Add(time.Hour))
			require.NoError(t, err)
			assert.False(t, ok, "other tenant must not consume the link")

			ok, err = s.MarkUsed(ctx, "t-1", "l1", t0.Add(time.Hour))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.MarkUsed(ctx, "t-1", "l1", t0.Add(2*time.Hour))
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.GetByID(ctx, "t-1", "l1")
			require.NoError(t, err)
			assert.Equal(t, entity.StatusUsed, got.Status)
			require.NotNil(t, got.UsedAt)
			assert.True(t, t0.Add(time.Hour).Equal(*got.UsedAt))
		})
	}
}

func TestLinkStoreMarkUsedAfterExpiry(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, sampleLink("l1", "t-1", "hash-dddd", nil, t0)))

			ok, err := s.MarkUsed(ctx, "t-1", "l1", t0.Add(24*time.Hour))
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := s.GetByID(ctx, "t-1", "l1")
			require.NoError(t, err)
			assert.Equal(t, entity.StatusActive, got.Status)
		})
	}
}

func TestLinkStoreMarkUsedConcurrent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, sampleLink("l1", "t-1", "hash-eeee", nil, t0)))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 10 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.MarkUsed(ctx, "t-1", "l1", t0.Add(time.Minute))
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, sampleLink("l1", "t-1", "hash-ffff", strp("ws-1"), t0)))

	got, err := s.GetByID(ctx, "t-1", "l1")
	require.NoError(t, err)
	got.Status = entity.StatusUsed
	*got.WorkspaceID = "ws-x"

	again, err := s.GetByID(ctx, "t-1", "l1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, again.Status)
	assert.Equal(t, "ws-1", *again.WorkspaceID)
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"other error", errors.New("boom"), false},
		{"postgres unique", &pq.Error{Code: "23505"}, true},
		{"postgres fk", &pq.Error{Code: "23503"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}
