// Package query implements the query gateway: it splits a raw search string
// into free text and an optional bracketed tag filter and runs it against
// the search index.
package query

import (
	"strings"
	"unicode"
)

// ParsedQuery is a raw query split into its free text and tag filter
type ParsedQuery struct {
	Text   string
	Tag    string
	HasTag bool
}

// ParseQuery extracts the first bracketed group of raw as the tag filter.
// Only the first "[...]" counts: it runs from the first '[' to the first ']'
// after it, and later groups stay in the text verbatim. The tag is not
// normalised. The remaining text is trimmed and the whitespace left where
// the group was removed collapses to a single space.
func ParseQuery(raw string) ParsedQuery {
	open := strings.IndexByte(raw, '[')
	if open < 0 {
		return ParsedQuery{Text: strings.TrimSpace(raw)}
	}

	closeRel := strings.IndexByte(raw[open+1:], ']')
	if closeRel < 0 {
		return ParsedQuery{Text: strings.TrimSpace(raw)}
	}
	end := open + 1 + closeRel

	return ParsedQuery{
		Text:   joinAround(raw[:open], raw[end+1:]),
		Tag:    raw[open+1 : end],
		HasTag: true,
	}
}

// joinAround glues the text on both sides of a removed group: "a [t] b"
// becomes "a b", "a[t]b" becomes "ab"
func joinAround(left, right string) string {
	l := strings.TrimRightFunc(left, unicode.IsSpace)
	r := strings.TrimLeftFunc(right, unicode.IsSpace)

	sep := ""
	if l != "" && r != "" && (len(l) < len(left) || len(r) < len(right)) {
		sep = " "
	}
	return strings.TrimSpace(l + sep + r)
}
