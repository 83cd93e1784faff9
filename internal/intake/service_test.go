package intake

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-intake/internal/access"
	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/entity"
	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/repo"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) LinkRedeemed(_ context.Context, l *entity.Link) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, l.ID)
	return n.err
}

type fixture struct {
	svc      *Service
	store    *repo.MemoryStore
	clock    *testClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: testNow}
	codec, err := NewCodec("test-secret", clock.Now)
	require.NoError(t, err)
	store := repo.NewMemoryStore()
	n := &recordingNotifier{}
	svc := NewService(codec, store, zap.NewNop().Sugar(), Options{
		BaseURL:        "https://intake.example.com/",
		MaxExpiryHours: 720,
		Notifier:       n,
		Now:            clock.Now,
	})
	return &fixture{svc: svc, store: store, clock: clock, notifier: n}
}

var (
	owner = &access.Session{ActorID: "u-owner", TenantID: "t-1", Role: access.RoleOwner}
	admin = &access.Session{ActorID: "u-admin", TenantID: "t-1", Role: access.RoleAdmin}
	staff = &access.Session{ActorID: "u-staff", TenantID: "t-1", Role: access.RoleStaff}
)

// tokenFromURL extracts the raw token from an issued link URL.
func tokenFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u.Path, "/intake/"))
	return strings.TrimPrefix(u.Path, "/intake/")
}

func TestIssueForExistingWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.svc.IssueForExistingWorkspace(ctx, owner, "ws-1", []string{"sms", "email", "email"}, 48)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(issued.URL, "https://intake.example.com/intake/"))

	tok := tokenFromURL(t, issued.URL)
	rec := issued.Link
	assert.Equal(t, "t-1", rec.TenantID)
	assert.Equal(t, entity.KindExistingWorkspace, rec.Kind)
	require.NotNil(t, rec.WorkspaceID)
	assert.Equal(t, "ws-1", *rec.WorkspaceID)
	assert.Equal(t, []entity.Channel{entity.ChannelEmail, entity.ChannelSMS}, rec.AllowedChannels)
	assert.Equal(t, entity.StatusActive, rec.Status)
	assert.Equal(t, "u-owner", rec.CreatedBy)
	assert.Equal(t, HashToken(tok), rec.TokenHash)
	assert.Equal(t, tok[len(tok)-4:], rec.TokenTail)
	assert.True(t, rec.ExpiresAt.Equal(testNow.Add(48*time.Hour)))
	assert.Nil(t, rec.UsedAt)

	stored, err := f.store.GetByID(ctx, "t-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.TokenHash, stored.TokenHash)
	assert.NotContains(t, stored.TokenHash, tok)

	res := f.svc.Verify(tok)
	require.Equal(t, OutcomeValid, res.Outcome)
	assert.Equal(t, "ws-1", res.Claims.WorkspaceID)
	assert.Equal(t, "t-1", res.Claims.TenantID)
}

func TestIssueForNewClient(t *testing.T) {
	f := newFixture(t)
	issued, err := f.svc.IssueForNewClient(context.Background(), admin, []string{"whatsapp"}, 1)
	require.NoError(t, err)
	assert.Nil(t, issued.Link.WorkspaceID)
	assert.Equal(t, entity.KindNewClient, issued.Link.Kind)

	res := f.svc.Verify(tokenFromURL(t, issued.URL))
	require.Equal(t, OutcomeValid, res.Outcome)
	assert.Equal(t, entity.KindNewClient, res.Claims.Kind)
	assert.Empty(t, res.Claims.WorkspaceID)
}

func TestIssueAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.IssueForExistingWorkspace(ctx, staff, "ws-1", []string{"email"}, 24)
	assert.ErrorIs(t, err, access.ErrForbidden)
	_, err = f.svc.IssueForNewClient(ctx, staff, []string{"email"}, 24)
	assert.ErrorIs(t, err, access.ErrForbidden)
	_, err = f.svc.IssueForNewClient(ctx, nil, []string{"email"}, 24)
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	links, err := f.store.List(ctx, "t-1", "ws-1")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tests := []struct {
		name     string
		ws       string
		channels []string
		hours    int
	}{
		{"no channels", "ws-1", nil, 24},
		{"unknown channel", "ws-1", []string{"pigeon"}, 24},
		{"zero hours", "ws-1", []string{"email"}, 0},
		{"negative hours", "ws-1", []string{"email"}, -3},
		{"over max", "ws-1", []string{"email"}, 721},
		{"blank workspace", " ", []string{"email"}, 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.IssueForExistingWorkspace(ctx, owner, tt.ws, tt.channels, tt.hours)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestRedeemOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.svc.IssueForExistingWorkspace(ctx, owner, "ws-1", []string{"email"}, 24)
	require.NoError(t, err)
	tok := tokenFromURL(t, issued.URL)

	red, err := f.svc.Redeem(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "ws-1", red.Claims.WorkspaceID)
	assert.Equal(t, entity.StatusUsed, red.Link.Status)
	require.NotNil(t, red.Link.UsedAt)
	assert.Equal(t, []string{issued.Link.ID}, f.notifier.calls)

	stored, err := f.store.GetByID(ctx, "t-1", issued.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusUsed, stored.Status)

	_, err = f.svc.Redeem(ctx, tok)
	assert.ErrorIs(t, err, ErrLinkUsed)
	assert.Len(t, f.notifier.calls, 1)

	// the signature alone still verifies; the preview consults the registry
	assert.Equal(t, OutcomeValid, f.svc.Verify(tok).Outcome)
	res, err := f.svc.Preview(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Empty(t, res.Claims.TenantID)
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.svc.IssueForExistingWorkspace(ctx, owner, "ws-1", []string{"email"}, 2)
	require.NoError(t, err)
	tok := tokenFromURL(t, issued.URL)

	res, err := f.svc.Preview(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, OutcomeValid, res.Outcome)
	assert.Equal(t, "ws-1", res.Claims.WorkspaceID)

	// previews never consume the link
	stored, err := f.store.GetByID(ctx, "t-1", issued.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, stored.Status)
	assert.Empty(t, f.notifier.calls)

	unregistered, err := f.svc.codec.Create(Claims{Kind: entity.KindNewClient, ExpiresAt: testNow.Add(time.Hour), TenantID: "t-1"})
	require.NoError(t, err)
	res, err = f.svc.Preview(ctx, unregistered)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, res.Outcome)

	res, err = f.svc.Preview(ctx, "garbage")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, res.Outcome)

	f.clock.Advance(2 * time.Hour)
	res, err = f.svc.Preview(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, res.Outcome)
}

func TestRedeemExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.svc.IssueForNewClient(ctx, owner, []string{"email"}, 2)
	require.NoError(t, err)
	tok := tokenFromURL(t, issued.URL)

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, OutcomeExpired, f.svc.Verify(tok).Outcome)

	_, err = f.svc.Redeem(ctx, tok)
	assert.ErrorIs(t, err, ErrLinkExpired)

	stored, err := f.store.GetByID(ctx, "t-1", issued.Link.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, stored.Status)
	assert.Equal(t, entity.StatusExpired, ResolveStatus(stored, f.clock.Now()))
	assert.Empty(t, f.notifier.calls)
}

func TestRedeemUnknownToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// validly signed but never registered
	tok, err := f.svc.codec.Create(Claims{Kind: entity.KindNewClient, ExpiresAt: testNow.Add(time.Hour), TenantID: "t-1"})
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, tok)
	assert.ErrorIs(t, err, ErrLinkInvalid)

	// no tenant claim
	tok, err = f.svc.codec.Create(Claims{Kind: entity.KindNewClient, ExpiresAt: testNow.Add(time.Hour)})
	require.NoError(t, err)
	_, err = f.svc.Redeem(ctx, tok)
	assert.ErrorIs(t, err, ErrLinkInvalid)

	_, err = f.svc.Redeem(ctx, "garbage")
	assert.ErrorIs(t, err, ErrLinkInvalid)
}

func TestRedeemConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.svc.IssueForNewClient(ctx, owner, []string{"sms"}, 24)
	require.NoError(t, err)
	tok := tokenFromURL(t, issued.URL)

	const n = 16
	var ok, used atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Redeem(ctx, tok)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrLinkUsed):
				used.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), used.Load())
}

func TestRedeemNotifierFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	ctx := context.Background()
	issued, err := f.svc.IssueForNewClient(ctx, owner, []string{"email"}, 24)
	require.NoError(t, err)

	red, err := f.svc.Redeem(ctx, tokenFromURL(t, issued.URL))
	require.NoError(t, err)
	assert.Equal(t, entity.StatusUsed, red.Link.Status)
	assert.Len(t, f.notifier.calls, 1)
}

func TestListLinksResolvesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	short, err := f.svc.IssueForExistingWorkspace(ctx, owner, "ws-1", []string{"email"}, 1)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	long, err := f.svc.IssueForExistingWorkspace(ctx, admin, "ws-1", []string{"email"}, 24)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	redeemed, err := f.svc.IssueForExistingWorkspace(ctx, owner, "ws-1", []string{"sms"}, 24)
	require.NoError(t, err)
	_, err = f.svc.IssueForExistingWorkspace(ctx, owner, "ws-2", []string{"sms"}, 24)
	require.NoError(t, err)

	_, err = f.svc.Redeem(ctx, tokenFromURL(t, redeemed.URL))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	links, err := f.svc.ListLinks(ctx, staff, "ws-1")
	require.NoError(t, err)
	require.Len(t, links, 3)

	byID := map[string]entity.Status{}
	for _, l := range links {
		byID[l.ID] = l.Status
	}
	assert.Equal(t, entity.StatusExpired, byID[short.Link.ID])
	assert.Equal(t, entity.StatusActive, byID[long.Link.ID])
	assert.Equal(t, entity.StatusUsed, byID[redeemed.Link.ID])
	assert.Equal(t, redeemed.Link.ID, links[0].ID)

	other := &access.Session{ActorID: "x", TenantID: "t-2", Role: access.RoleOwner}
	links, err = f.svc.ListLinks(ctx, other, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, links)

	_, err = f.svc.ListLinks(ctx, nil, "ws-1")
	assert.ErrorIs(t, err, access.ErrUnauthorized)
}

func TestListLinksTenantWide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ws, err := f.svc.IssueForExistingWorkspace(ctx, owner, "ws-1", []string{"email"}, 24)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	fresh, err := f.svc.IssueForNewClient(ctx, admin, []string{"sms"}, 24)
	require.NoError(t, err)

	links, err := f.svc.ListLinks(ctx, staff, "")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, fresh.Link.ID, links[0].ID)
	assert.Nil(t, links[0].WorkspaceID)
	assert.Equal(t, ws.Link.ID, links[1].ID)

	other := &access.Session{ActorID: "x", TenantID: "t-2", Role: access.RoleOwner}
	links, err = f.svc.ListLinks(ctx, other, "")
	require.NoError(t, err)
	assert.Empty(t, links)
}

type collidingStore struct {
	*repo.MemoryStore
	failures int
}

func (s *collidingStore) Create(ctx context.Context, l *entity.Link) error {
	if s.failures > 0 {
		s.failures--
		return repo.ErrDuplicateHash
	}
	return s.MemoryStore.Create(ctx, l)
}

func TestIssueRetriesOnHashCollision(t *testing.T) {
	codec := newTestCodec(t)
	store := &collidingStore{MemoryStore: repo.NewMemoryStore(), failures: 2}
	svc := NewService(codec, store, nil, Options{Now: func() time.Time { return testNow }})

	_, err := svc.IssueForNewClient(context.Background(), owner, []string{"email"}, 24)
	require.NoError(t, err)

	store.failures = maxIssueRetries
	_, err = svc.IssueForNewClient(context.Background(), owner, []string{"email"}, 24)
	assert.Error(t, err)
}

func TestHashTokenAndTail(t *testing.T) {
	h := HashToken("abc")
	assert.Len(t, h, 64)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
	assert.Equal(t, "wxyz", TokenTail("abcdwxyz"))
	assert.Equal(t, "ab", TokenTail("ab"))
}
