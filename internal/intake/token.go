package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-intake/internal/intake/entity"
	"github.com/ovaphlow/pitchfork/service-intake/pkg/utilities"
)

const (
	purposeIntake = "intake"
	keyLabel      = "intake-link"
)

// ErrInvalidClaims is returned by Create when the claim set violates the
// binding between kind and workspace, or the expiry is not in the future.
var ErrInvalidClaims = errors.New("invalid intake claims")

// Claims is the decoded content of an intake token. WorkspaceID is set iff
// Kind is KindExistingWorkspace.
type Claims struct {
	Kind        entity.Kind `json:"kind"`
	ExpiresAt   time.Time   `json:"expires_at"`
	WorkspaceID string      `json:"workspace_id,omitempty"`
	TenantID    string      `json:"tenant_id,omitempty"`
	CreatedBy   string      `json:"created_by,omitempty"`
}

func (c Claims) validate() error {
	switch c.Kind {
	case entity.KindExistingWorkspace:
		if strings.TrimSpace(c.WorkspaceID) == "" {
			return fmt.Errorf("%w: workspace id is required for %s", ErrInvalidClaims, c.Kind)
		}
	case entity.KindNewClient:
		if c.WorkspaceID != "" {
			return fmt.Errorf("%w: workspace id must be absent for %s", ErrInvalidClaims, c.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidClaims, c.Kind)
	}
	return nil
}

// Outcome is the result class of token verification.
type Outcome int

const (
	OutcomeInvalid Outcome = iota
	OutcomeValid
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Result carries the verification outcome. Claims is only populated when the
// outcome is OutcomeValid.
type Result struct {
	Outcome Outcome
	Claims  Claims
}

// wireClaims is the exact payload layout; decoding rejects any other field.
type wireClaims struct {
	Purpose     string  `json:"purpose"`
	Kind        string  `json:"kind"`
	ExpiresAt   string  `json:"expiresAt"`
	WorkspaceID *string `json:"workspaceId,omitempty"`
	TenantID    *string `json:"tenantId,omitempty"`
	CreatedBy   *string `json:"createdBy,omitempty"`
	Exp         *int64  `json:"exp"`
	Iat         int64   `json:"iat"`
	Jti         string  `json:"jti"`
}

// Codec mints and verifies intake tokens.
type Codec struct {
	key    []byte
	now    func() time.Time
	parser *jwt.Parser
}

// NewCodec derives the intake signing key from secret. now defaults to time.Now.
func NewCodec(secret string, now func() time.Time) (*Codec, error) {
	key, err := utilities.DeriveKey(secret, keyLabel)
	if err != nil {
		return nil, fmt.Errorf("intake codec: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Codec{
		key: key,
		now: now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
			jwt.WithStrictDecoding(),
		),
	}, nil
}

// Create validates c and signs it. Nothing is signed when validation fails.
func (k *Codec) Create(c Claims) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	now := k.now().UTC()
	exp := c.ExpiresAt.UTC().Truncate(time.Second)
	if !exp.After(now) {
		return "", fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidClaims, exp.Format(time.RFC3339))
	}

	mc := jwt.MapClaims{
		"purpose":   purposeIntake,
		"kind":      string(c.Kind),
		"expiresAt": exp.Format(time.RFC3339),
		"exp":       exp.Unix(),
		"iat":       now.Unix(),
		"jti":       utilities.NewKSUID(),
	}
	if c.WorkspaceID != "" {
		mc["workspaceId"] = c.WorkspaceID
	}
	if c.TenantID != "" {
		mc["tenantId"] = c.TenantID
	}
	if c.CreatedBy != "" {
		mc["createdBy"] = c.CreatedBy
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(k.key)
	if err != nil {
		return "", fmt.Errorf("sign intake token: %w", err)
	}
	return signed, nil
}

// Verify checks token against the current time.
func (k *Codec) Verify(token string) Result {
	return k.VerifyAt(token, k.now())
}

// VerifyAt checks signature, purpose, schema and expiry, in that order. It
// has no side effects.
func (k *Codec) VerifyAt(token string, at time.Time) Result {
	invalid := Result{Outcome: OutcomeInvalid}
	if !wellFormed(token) {
		return invalid
	}
	if _, err := k.parser.Parse(token, func(*jwt.Token) (any, error) { return k.key, nil }); err != nil {
		return invalid
	}
	payload, err := k.parser.DecodeSegment(strings.Split(token, ".")[1])
	if err != nil {
		return invalid
	}
	var w wireClaims
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return invalid
	}
	if w.Purpose != purposeIntake {
		return invalid
	}
	claims, ok := w.claims()
	if !ok {
		return invalid
	}
	if !at.Before(claims.ExpiresAt) {
		return Result{Outcome: OutcomeExpired}
	}
	return Result{Outcome: OutcomeValid, Claims: claims}
}

// claims converts the wire payload into the tagged union, rejecting any
// shape that Create could not have produced.
func (w wireClaims) claims() (Claims, bool) {
	exp, err := time.Parse(time.RFC3339, w.ExpiresAt)
	if err != nil {
		return Claims{}, false
	}
	// exp is a redundant copy of expiresAt; both must name the same instant.
	if w.Exp == nil || *w.Exp != exp.Unix() {
		return Claims{}, false
	}
	c := Claims{Kind: entity.Kind(w.Kind), ExpiresAt: exp.UTC()}
	if w.WorkspaceID != nil {
		if *w.WorkspaceID == "" {
			return Claims{}, false
		}
		c.WorkspaceID = *w.WorkspaceID
	}
	if w.TenantID != nil {
		c.TenantID = *w.TenantID
	}
	if w.CreatedBy != nil {
		c.CreatedBy = *w.CreatedBy
	}
	if c.validate() != nil {
		return Claims{}, false
	}
	return c, true
}

// wellFormed rejects anything outside three base64url segments before any
// decoding happens.
func wellFormed(token string) bool {
	if token == "" || strings.Count(token, ".") != 2 {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
