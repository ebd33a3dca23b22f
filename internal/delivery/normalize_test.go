package delivery

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeTrimsAndTruncates(t *testing.T) {
	t.Parallel()

	in := Payload{
		UserID:    "  u1 ",
		Title:     strings.Repeat("t", 200),
		Message:   "\n" + strings.Repeat("m", 2500),
		Type:      " exchange ",
		RelatedID: strings.Repeat("r", 300),
		SenderID:  "   ",
	}
	got, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got.UserID != "u1" || got.Type != "exchange" {
		t.Fatalf("trim: userId=%q type=%q", got.UserID, got.Type)
	}
	checks := []struct {
		name string
		val  string
		want int
	}{
		{"title", got.Title, MaxTitleLen},
		{"message", got.Message, MaxMessageLen},
		{"relatedId", got.RelatedID, MaxRelatedIDLen},
		{"senderId", got.SenderID, 0},
	}
	for _, c := range checks {
		if n := utf8.RuneCountInString(c.val); n != c.want {
			t.Fatalf("len(%s) = %d, want %d", c.name, n, c.want)
		}
	}

	again, err := Normalize(got)
	if err != nil || again != got {
		t.Fatalf("Normalize is not idempotent: %+v, %v", again, err)
	}
}

func TestNormalizeRequiredFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Payload)
		missing string
	}{
		{"user", func(p *Payload) { p.UserID = "" }, "userId"},
		{"title blank", func(p *Payload) { p.Title = "   " }, "title"},
		{"message", func(p *Payload) { p.Message = "\t\n" }, "message"},
		{"type", func(p *Payload) { p.Type = "" }, "type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := validPayload()
			tc.mutate(&p)
			_, err := Normalize(p)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("Normalize error = %v, want ErrInvalidPayload", err)
			}
			if !strings.Contains(err.Error(), tc.missing) {
				t.Fatalf("error %q does not name %q", err, tc.missing)
			}
		})
	}
}

func TestNormalizeOptionalFieldsMayBeEmpty(t *testing.T) {
	t.Parallel()

	got, err := Normalize(validPayload())
	if err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if got.RelatedID != "" || got.SenderID != "" {
		t.Fatalf("optional fields = %q/%q, want empty", got.RelatedID, got.SenderID)
	}
}

func TestTruncateRunesKeepsRuneBoundaries(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("ü", 10)
	got := truncateRunes(s, 4)
	if got != "üüüü" {
		t.Fatalf("truncateRunes = %q, want 4 runes", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncateRunes produced invalid UTF-8")
	}
	if got := truncateRunes("ab cd", 3); got != "ab" {
		t.Fatalf("truncateRunes trailing space = %q, want %q", got, "ab")
	}
}

func TestNormalizeRepairsInvalidUTF8(t *testing.T) {
	t.Parallel()

	in := validPayload()
	in.Title = "Hi \xff there"
	in.Message = "caf\xc3"
	got, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got.Title != "Hi \uFFFD there" || got.Message != "caf\uFFFD" {
		t.Fatalf("Normalize = %q / %q, want U+FFFD replacements", got.Title, got.Message)
	}
	if !utf8.ValidString(got.Title) || !utf8.ValidString(got.Message) {
		t.Fatalf("Normalize produced invalid UTF-8")
	}
	again, _ := Normalize(got)
	if again != got {
		t.Fatalf("Normalize not idempotent: %+v != %+v", again, got)
	}
}
