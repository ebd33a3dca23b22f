package delivery

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Field limits, in runes.
const (
	MaxUserIDLen    = 128
	MaxTitleLen     = 150
	MaxMessageLen   = 2000
	MaxTypeLen      = 32
	MaxRelatedIDLen = 128
	MaxSenderIDLen  = 128
)

// Normalize trims every field and truncates it to its limit. It fails with
// ErrInvalidPayload when userId, title, message or type is empty after
// trimming. Normalize is idempotent.
func Normalize(in Payload) (Payload, error) {
	out := Payload{
		UserID:    clean(in.UserID, MaxUserIDLen),
		Title:     clean(in.Title, MaxTitleLen),
		Message:   clean(in.Message, MaxMessageLen),
		Type:      clean(in.Type, MaxTypeLen),
		RelatedID: clean(in.RelatedID, MaxRelatedIDLen),
		SenderID:  clean(in.SenderID, MaxSenderIDLen),
	}

	var missing []string
	if out.UserID == "" {
		missing = append(missing, "userId")
	}
	if out.Title == "" {
		missing = append(missing, "title")
	}
	if out.Message == "" {
		missing = append(missing, "message")
	}
	if out.Type == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return Payload{}, fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return out, nil
}

// clean replaces invalid UTF-8 with U+FFFD, then trims and truncates.
func clean(s string, limit int) string {
	return truncateRunes(strings.TrimSpace(strings.ToValidUTF8(s, "\uFFFD")), limit)
}

// truncateRunes cuts s to at most limit runes. Trailing space exposed by the
// cut is trimmed so a second pass is a no-op.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}
