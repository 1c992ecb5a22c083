package extraction

import (
	"regexp"
	"strings"
)

// maxQuoteLength rejects spans that a sloppy marker match ballooned past any
// plausible citation.
const maxQuoteLength = 500

var quoteWhitespaceRe = regexp.MustCompile(`\s+`)

// ExtractQuote locates the inclusive span of text bracketed by two short
// phrase markers and returns it with internal whitespace normalized. Returns
// "" when a marker is missing from the text, a marker is empty, or the span
// exceeds maxQuoteLength.
//
// Markers are matched case-insensitively and tolerate whitespace differences
// between the model's quote markers and the source text.
func ExtractQuote(text, quoteStart, quoteEnd string) string {
	if text == "" || quoteStart == "" || quoteEnd == "" {
		return ""
	}

	startRe, err := markerPattern(quoteStart)
	if err != nil {
		return ""
	}
	endRe, err := markerPattern(quoteEnd)
	if err != nil {
		return ""
	}

	startLoc := startRe.FindStringIndex(text)
	if startLoc == nil {
		return ""
	}

	endLoc := endRe.FindStringIndex(text[startLoc[0]:])
	if endLoc == nil {
		return ""
	}

	span := text[startLoc[0] : startLoc[0]+endLoc[1]]
	if len(span) > maxQuoteLength {
		return ""
	}

	return strings.TrimSpace(quoteWhitespaceRe.ReplaceAllString(span, " "))
}

// markerPattern compiles a marker into a case-insensitive pattern whose
// whitespace runs match any whitespace run in the source.
func markerPattern(marker string) (*regexp.Regexp, error) {
	parts := quoteWhitespaceRe.Split(marker, -1)
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		escaped = append(escaped, regexp.QuoteMeta(p))
	}
	return regexp.Compile(`(?i)` + strings.Join(escaped, `\s+`))
}
