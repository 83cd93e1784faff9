package message

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ovaphlow/pitchfork/service-intake/internal/message/entity"
)

const (
	subjectRunes = 16
	snippetRunes = 48

	TagUrgent = "urgent"
	TagNormal = "normal"
)

var (
	emailPattern   = regexp.MustCompile(`[^\s@]+@[^\s@]+\.[^\s@]+`)
	urgentKeywords = []string{"urgent", "asap", "emergency", "immediately", "deadline"}
)

// Project derives the redacted disclosure of m. It is pure and deterministic.
func Project(m entity.Message) entity.Disclosure {
	return entity.Disclosure{
		ID:              m.ID,
		TenantID:        m.TenantID,
		WorkspaceID:     m.WorkspaceID,
		Channel:         m.Channel,
		SenderMasked:    MaskSender(m.Sender),
		SubjectMasked:   reveal(maskDigits(collapse(m.Subject)), subjectRunes),
		Snippet:         snippet(m.Body),
		Unread:          m.Unread,
		Tag:             classify(m),
		AttachmentCount: len(m.Attachments),
		ReceivedAt:      m.ReceivedAt,
	}
}

// MaskSender keeps just enough of an address or number to tell senders apart.
func MaskSender(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if at := strings.LastIndex(s, "@"); at > 0 && at < len(s)-1 {
		local, domain := s[:at], s[at+1:]
		tld := ""
		if dot := strings.LastIndex(domain, "."); dot > 0 {
			tld = domain[dot:]
			domain = domain[:dot]
		}
		return firstRune(local) + "***@" + firstRune(domain) + "***" + tld
	}
	if digits := onlyDigits(s); len(digits) >= 6 && isPhoneLike(s) {
		prefix := ""
		if strings.HasPrefix(s, "+") {
			prefix = "+"
		}
		return prefix + digits[:2] + strings.Repeat("*", len(digits)-4) + digits[len(digits)-2:]
	}
	return firstRune(s) + "***"
}

func snippet(body string) string {
	s := collapse(body)
	s = emailPattern.ReplaceAllString(s, "[email]")
	return reveal(maskDigits(s), snippetRunes)
}

func classify(m entity.Message) string {
	if c := strings.ToLower(strings.TrimSpace(m.Classification)); c != "" {
		return c
	}
	text := strings.ToLower(m.Subject + " " + m.Body)
	for _, kw := range urgentKeywords {
		if strings.Contains(text, kw) {
			return TagUrgent
		}
	}
	return TagNormal
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func maskDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return '•'
		}
		return r
	}, s)
}

// reveal keeps at most half of s, capped at limit runes and cut back to a word
// boundary when one exists. Non-empty input always loses something and is
// marked with a trailing ellipsis.
func reveal(s string, limit int) string {
	r := []rune(s)
	if len(r) == 0 {
		return ""
	}
	keep := len(r) / 2
	if keep > limit {
		keep = limit
	}
	kept := r[:keep]
	if r[keep] != ' ' {
		for i := len(kept) - 1; i > 0; i-- {
			if kept[i] == ' ' {
				kept = kept[:i]
				break
			}
		}
	}
	out := strings.TrimRight(string(kept), " ") + "…"
	if out == s {
		return ""
	}
	return out
}

func firstRune(s string) string {
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return ""
	}
	return string(r)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isPhoneLike(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !strings.ContainsRune("+-() .", r) {
			return false
		}
	}
	return true
}
