package extraction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractQuote(t *testing.T) {
	text := "Call me Ishmael. Some years ago - never mind how long precisely - having little or no money in my purse."

	tests := []struct {
		name       string
		quoteStart string
		quoteEnd   string
		want       string
	}{
		{
			name:       "simple span",
			quoteStart: "Call me",
			quoteEnd:   "years ago",
			want:       "Call me Ishmael. Some years ago",
		},
		{
			name:       "case insensitive",
			quoteStart: "call ME",
			quoteEnd:   "YEARS ago",
			want:       "Call me Ishmael. Some years ago",
		},
		{
			name:       "start marker missing",
			quoteStart: "Queequeg",
			quoteEnd:   "years ago",
			want:       "",
		},
		{
			name:       "end marker missing",
			quoteStart: "Call me",
			quoteEnd:   "harpoon",
			want:       "",
		},
		{
			name:       "end before start is not found",
			quoteStart: "never mind",
			quoteEnd:   "Ishmael",
			want:       "",
		},
		{
			name:       "empty start marker",
			quoteStart: "",
			quoteEnd:   "years ago",
			want:       "",
		},
		{
			name:       "empty end marker",
			quoteStart: "Call me",
			quoteEnd:   "",
			want:       "",
		},
		{
			name:       "regex metacharacters escaped",
			quoteStart: "ago - never",
			quoteEnd:   "precisely -",
			want:       "ago - never mind how long precisely -",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractQuote(text, tt.quoteStart, tt.quoteEnd))
		})
	}
}

func TestExtractQuoteFlexibleWhitespace(t *testing.T) {
	text := "Call me\n\tIshmael.  Some years\nago."

	got := ExtractQuote(text, "Call me Ishmael", "years ago")
	assert.Equal(t, "Call me Ishmael. Some years ago", got)
}

func TestExtractQuoteEmptyText(t *testing.T) {
	assert.Equal(t, "", ExtractQuote("", "a", "b"))
}

func TestExtractQuoteTooLong(t *testing.T) {
	text := "START " + strings.Repeat("whale ", 120) + "END"
	assert.Equal(t, "", ExtractQuote(text, "START", "END"))
}

func TestExtractQuoteContainment(t *testing.T) {
	text := "It was the whiteness of the whale that above all things appalled me."
	got := ExtractQuote(text, "the whiteness", "appalled me")
	assert.NotEmpty(t, got)
	assert.Contains(t, text, got, "quote must appear verbatim in the source")
	assert.Contains(t, got, "the whiteness")
	assert.Contains(t, got, "appalled me")
}
