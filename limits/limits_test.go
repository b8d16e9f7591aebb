package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		wantErr error
	}{
		{"Empty", "", ErrEmpty},
		{"Whitespace only", "   \t\n", ErrEmpty},
		{"Normal message", "Hi, is the job still available?", nil},
		{"Unicode message", "こんにちは、仕事はまだありますか", nil},
		{"Max length message", strings.Repeat("a", MaxMessageRunes), nil},
		{"One rune over", strings.Repeat("a", MaxMessageRunes+1), ErrTooLarge},
		{"Byte ceiling exceeded", strings.Repeat("界", MaxMessageBytes/3+1), ErrTooLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content)
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateContent() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ValidateContent() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateIncoming(t *testing.T) {
	// Incoming content is never rejected for emptiness
	if err := ValidateIncoming(""); err != nil {
		t.Errorf("ValidateIncoming(\"\") = %v, want nil", err)
	}
	if err := ValidateIncoming(strings.Repeat("a", MaxMessageBytes)); err != nil {
		t.Errorf("ValidateIncoming() at ceiling = %v, want nil", err)
	}
	if err := ValidateIncoming(strings.Repeat("a", MaxMessageBytes+1)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("ValidateIncoming() over ceiling = %v, want ErrTooLarge", err)
	}
}

func TestTruncatePreview(t *testing.T) {
	short := "See you at 3pm"
	if got := TruncatePreview(short); got != short {
		t.Errorf("TruncatePreview() modified short content: %q", got)
	}

	long := strings.Repeat("x", MaxPreviewRunes*2)
	got := TruncatePreview(long)
	if gotRunes := len([]rune(got)); gotRunes != MaxPreviewRunes {
		t.Errorf("TruncatePreview() length = %d runes, want %d", gotRunes, MaxPreviewRunes)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("TruncatePreview() missing ellipsis suffix: %q", got)
	}

	// Multi-byte content must be cut on rune boundaries
	unicode := strings.Repeat("友", MaxPreviewRunes+10)
	if got := TruncatePreview(unicode); !strings.HasSuffix(got, "…") {
		t.Errorf("TruncatePreview() broke rune boundary: %q", got)
	}
}
