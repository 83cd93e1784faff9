// Package intake issues and redeems single-use intake links.
//
// A link is a signed capability token. The registry keeps only the token's
// SHA-256 digest and last four characters, so a registry leak never yields a
// redeemable link. Link status is derived on every read: a stored "active"
// record past its expiry reports as expired, and no sweeper runs.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-intake/internal/access"
	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/entity"
	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/repo"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

var (
	ErrLinkInvalid = errors.New("intake link is invalid")
	ErrLinkExpired = errors.New("intake link has expired")
	ErrLinkUsed    = errors.New("intake link has already been used")
	ErrBadRequest  = errors.New("invalid intake link request")
)

const maxIssueRetries = 3

// HashToken returns the hex SHA-256 digest stored in place of the token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenTail returns the last four characters of token, for display only.
func TokenTail(token string) string {
	if len(token) <= 4 {
		return token
	}
	return token[len(token)-4:]
}

// ResolveStatus derives a link's effective status at now. Used is final;
// otherwise an expired link is reported as expired whatever storage says.
func ResolveStatus(l *entity.Link, now time.Time) entity.Status {
	if l.Status == entity.StatusUsed {
		return entity.StatusUsed
	}
	if !now.Before(l.ExpiresAt) {
		return entity.StatusExpired
	}
	return l.Status
}

// Notifier receives best-effort lifecycle events. Errors are logged and
// never fail the operation that triggered them.
type Notifier interface {
	LinkRedeemed(ctx context.Context, l *entity.Link) error
}

// LogNotifier records lifecycle events in the service log.
type LogNotifier struct {
	Logger *zap.SugaredLogger
}

func (n LogNotifier) LinkRedeemed(_ context.Context, l *entity.Link) error {
	n.Logger.Infow("intake link redeemed", "link_id", l.ID, "tenant_id", l.TenantID, "created_by", l.CreatedBy)
	return nil
}

// Options configures a Service.
type Options struct {
	BaseURL        string
	MaxExpiryHours int
	Notifier       Notifier
	Now            func() time.Time
	NewID          func() string
}

// Service is the link registry plus the issuance and redemption surface.
type Service struct {
	codec    *Codec
	store    repo.LinkStore
	logger   *zap.SugaredLogger
	notifier Notifier
	baseURL  string
	maxHours int
	now      func() time.Time
	newID    func() string
}

// NewService wires a codec and a store. The store is injected so each caller
// (and each test) owns its persistence.
func NewService(codec *Codec, store repo.LinkStore, logger *zap.SugaredLogger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Service{
		codec:    codec,
		store:    store,
		logger:   logger,
		notifier: opts.Notifier,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		maxHours: opts.MaxExpiryHours,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Logger: logger}
	}
	if s.maxHours <= 0 {
		s.maxHours = 720
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = utilities.NewKSUID
	}
	return s
}

// IssueInput describes one link to issue.
type IssueInput struct {
	TenantID       string
	Kind           entity.Kind
	WorkspaceID    string
	Channels       []string
	ExpiresInHours int
	CreatedBy      string
}

// Issued is the result of an issuance. URL is the only place the raw token
// ever appears.
type Issued struct {
	Link *entity.Link `json:"record"`
	URL  string       `json:"url"`
}

// Issue mints a token for in and stores its hash with status active.
func (s *Service) Issue(ctx context.Context, in IssueInput) (*Issued, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrBadRequest)
	}
	channels, err := entity.NormalizeChannels(in.Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if in.ExpiresInHours < 1 || in.ExpiresInHours > s.maxHours {
		return nil, fmt.Errorf("%w: expiresInHours must be between 1 and %d", ErrBadRequest, s.maxHours)
	}
	now := s.now().UTC()
	claims := Claims{
		Kind:        in.Kind,
		ExpiresAt:   now.Add(time.Duration(in.ExpiresInHours) * time.Hour),
		WorkspaceID: strings.TrimSpace(in.WorkspaceID),
		TenantID:    in.TenantID,
		CreatedBy:   in.CreatedBy,
	}

	for range maxIssueRetries {
		token, err := s.codec.Create(claims)
		if err != nil {
			return nil, err
		}
		link := &entity.Link{
			ID:              s.newID(),
			TenantID:        in.TenantID,
			Kind:            in.Kind,
			TokenHash:       HashToken(token),
			TokenTail:       TokenTail(token),
			AllowedChannels: channels,
			Status:          entity.StatusActive,
			CreatedBy:       in.CreatedBy,
			CreatedAt:       now.Truncate(time.Second),
			ExpiresAt:       claims.ExpiresAt.Truncate(time.Second),
		}
		if claims.WorkspaceID != "" {
			ws := claims.WorkspaceID
			link.WorkspaceID = &ws
		}
		err = s.store.Create(ctx, link)
		if errors.Is(err, repo.ErrDuplicateHash) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store intake link: %w", err)
		}
		s.logger.Infow("intake link issued",
			"link_id", link.ID, "tenant_id", link.TenantID, "kind", link.Kind,
			"workspace_id", claims.WorkspaceID, "expires_at", link.ExpiresAt, "created_by", link.CreatedBy)
		return &Issued{Link: link, URL: s.linkURL(token)}, nil
	}
	return nil, errors.New("store intake link: token hash collision after retries")
}

// IssueForExistingWorkspace issues a link bound to workspaceID in the caller's tenant.
func (s *Service) IssueForExistingWorkspace(ctx context.Context, sess *access.Session, workspaceID string, channels []string, hours int) (*Issued, error) {
	if err := authorizeIssue(sess); err != nil {
		return nil, err
	}
	if strings.TrimSpace(workspaceID) == "" {
		return nil, fmt.Errorf("%w: workspace is required", ErrBadRequest)
	}
	return s.Issue(ctx, IssueInput{
		TenantID:       sess.TenantID,
		Kind:           entity.KindExistingWorkspace,
		WorkspaceID:    workspaceID,
		Channels:       channels,
		ExpiresInHours: hours,
		CreatedBy:      sess.ActorID,
	})
}

// IssueForNewClient issues a link that onboards a new client in the caller's tenant.
func (s *Service) IssueForNewClient(ctx context.Context, sess *access.Session, channels []string, hours int) (*Issued, error) {
	if err := authorizeIssue(sess); err != nil {
		return nil, err
	}
	return s.Issue(ctx, IssueInput{
		TenantID:       sess.TenantID,
		Kind:           entity.KindNewClient,
		Channels:       channels,
		ExpiresInHours: hours,
		CreatedBy:      sess.ActorID,
	})
}

func authorizeIssue(sess *access.Session) error {
	if sess == nil || sess.TenantID == "" {
		return access.ErrUnauthorized
	}
	if !access.CanIssueLinks(sess.Role) {
		return access.ErrForbidden
	}
	return nil
}

// Verify checks a token without touching the registry.
func (s *Service) Verify(token string) Result {
	return s.codec.VerifyAt(token, s.now())
}

// Preview reports what a redemption of token would find right now without
// consuming anything. A used link reads as invalid, the same way Redeem
// reports it.
func (s *Service) Preview(ctx context.Context, token string) (Result, error) {
	now := s.now()
	res := s.codec.VerifyAt(token, now)
	if res.Outcome != OutcomeValid {
		return res, nil
	}
	if res.Claims.TenantID == "" {
		return Result{Outcome: OutcomeInvalid}, nil
	}
	link, err := s.store.GetByHash(ctx, res.Claims.TenantID, HashToken(token))
	if errors.Is(err, repo.ErrNotFound) {
		return Result{Outcome: OutcomeInvalid}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load intake link: %w", err)
	}
	switch ResolveStatus(link, now) {
	case entity.StatusUsed:
		return Result{Outcome: OutcomeInvalid}, nil
	case entity.StatusExpired:
		return Result{Outcome: OutcomeExpired}, nil
	}
	return res, nil
}

// Redemption is a successfully consumed link.
type Redemption struct {
	Claims Claims       `json:"claims"`
	Link   *entity.Link `json:"-"`
}

// Redeem verifies token, checks its registry record and consumes it. Two
// concurrent redemptions of one link cannot both succeed.
func (s *Service) Redeem(ctx context.Context, token string) (*Redemption, error) {
	now := s.now()
	res := s.codec.VerifyAt(token, now)
	switch res.Outcome {
	case OutcomeExpired:
		return nil, ErrLinkExpired
	case OutcomeValid:
	default:
		return nil, ErrLinkInvalid
	}
	if res.Claims.TenantID == "" {
		return nil, ErrLinkInvalid
	}

	link, err := s.store.GetByHash(ctx, res.Claims.TenantID, HashToken(token))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrLinkInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load intake link: %w", err)
	}
	switch ResolveStatus(link, now) {
	case entity.StatusUsed:
		return nil, ErrLinkUsed
	case entity.StatusExpired:
		return nil, ErrLinkExpired
	}

	ok, err := s.store.MarkUsed(ctx, link.TenantID, link.ID, now)
	if err != nil {
		return nil, fmt.Errorf("mark intake link used: %w", err)
	}
	if !ok {
		return nil, ErrLinkUsed
	}
	t := now.UTC()
	link.Status = entity.StatusUsed
	link.UsedAt = &t

	if err := s.notifier.LinkRedeemed(ctx, link); err != nil {
		s.logger.Warnw("intake redemption notification failed", "link_id", link.ID, "err", err)
	}
	return &Redemption{Claims: res.Claims, Link: link}, nil
}

// ListLinks returns the session tenant's links with their status resolved at
// read time. An empty workspaceID lists the whole tenant, which is the only
// way to see links issued for new clients.
func (s *Service) ListLinks(ctx context.Context, sess *access.Session, workspaceID string) ([]*entity.Link, error) {
	if sess == nil {
		return nil, access.ErrUnauthorized
	}
	if err := access.AuthorizeRead(sess, sess.TenantID, access.ScopeMeta); err != nil {
		return nil, err
	}
	links, err := s.store.List(ctx, sess.TenantID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list intake links: %w", err)
	}
	now := s.now()
	for _, l := range links {
		l.Status = ResolveStatus(l, now)
	}
	return links, nil
}

func (s *Service) linkURL(token string) string {
	return s.baseURL + "/intake/" + url.PathEscape(token)
}
