package extraction

import (
	"regexp"
	"strings"
)

var (
	labelStripRe    = regexp.MustCompile(`[^\w\s-]`)
	labelCollapseRe = regexp.MustCompile(`\s+`)
)

// NormalizeLabel maps a free-form label to the canonical form stored in the
// graph and used for equality in lookups: lowercase, punctuation stripped
// (hyphens kept for compound names), whitespace collapsed.
//
// Leading articles ("the", "a") are deliberately kept. The graph lookup is
// exact-match, so stripping them would make stored labels unfindable from
// text that includes them.
func NormalizeLabel(label string) string {
	s := strings.ToLower(label)
	s = strings.TrimSpace(s)
	s = labelStripRe.ReplaceAllString(s, "")
	s = labelCollapseRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
