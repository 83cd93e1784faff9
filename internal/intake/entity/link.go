package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind discriminates a link bound to an existing client workspace from one
// that onboards a brand-new client.
type Kind string

const (
	KindNewClient         Kind = "new_client"
	KindExistingWorkspace Kind = "existing_workspace"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindNewClient || k == KindExistingWorkspace
}

// Channel is a contact channel the intake flow may collect on.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Status is the lifecycle status of an issued link.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusUsed    Status = "used"
)

// Link is the registry record of an issued intake token. It never holds the
// raw token: only its SHA-256 digest and the last four characters.
type Link struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Kind            Kind       `json:"kind"`
	WorkspaceID     *string    `json:"workspace_id"`
	TokenHash       string     `json:"-"`
	TokenTail       string     `json:"token_tail"`
	AllowedChannels []Channel  `json:"allowed_channels"`
	Status          Status     `json:"status"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
}

// NormalizeChannels lower-cases, dedupes and sorts channels, rejecting unknown
// values and empty sets.
func NormalizeChannels(in []string) ([]Channel, error) {
	seen := make(map[Channel]struct{}, len(in))
	out := make([]Channel, 0, len(in))
	for _, raw := range in {
		c := Channel(strings.ToLower(strings.TrimSpace(raw)))
		switch c {
		case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		default:
			return nil, fmt.Errorf("unknown channel %q", raw)
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// JoinChannels encodes channels for storage as a comma separated column.
func JoinChannels(cs []Channel) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

// SplitChannels decodes a stored channel column.
func SplitChannels(s string) []Channel {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Channel, 0, len(parts))
	for _, p := range parts {
		out = append(out, Channel(p))
	}
	return out
}
