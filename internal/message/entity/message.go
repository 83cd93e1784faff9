package entity

import "time"

// Attachment describes a file carried by an inbound message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Message is the full inbound message as stored by ingestion. Only roles that
// may view content ever receive it.
type Message struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	WorkspaceID    string       `json:"workspace_id,omitempty"`
	Channel        string       `json:"channel"`
	Sender         string       `json:"sender"`
	Subject        string       `json:"subject"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments"`
	Classification string       `json:"classification,omitempty"`
	Unread         bool         `json:"unread"`
	ReceivedAt     time.Time    `json:"received_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Disclosure is the redacted view of a Message. It is always derived from a
// Message and has no field able to hold the raw body.
type Disclosure struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	WorkspaceID     string    `json:"workspace_id,omitempty"`
	Channel         string    `json:"channel"`
	SenderMasked    string    `json:"sender"`
	SubjectMasked   string    `json:"subject"`
	Snippet         string    `json:"snippet"`
	Unread          bool      `json:"unread"`
	Tag             string    `json:"tag"`
	AttachmentCount int       `json:"attachment_count"`
	ReceivedAt      time.Time `json:"received_at"`
}
