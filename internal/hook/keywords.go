package hook

import "strings"

// KeywordMatcher flags commands that contain a sensitive keyword. Matching
// is case-insensitive substring containment, so "format" also matches
// "reformatted".
type KeywordMatcher struct {
	keywords []string
}

// NewKeywordMatcher creates a matcher. Blank keywords are ignored.
func NewKeywordMatcher(keywords []string) *KeywordMatcher {
	m := &KeywordMatcher{}
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			m.keywords = append(m.keywords, k)
		}
	}
	return m
}

// Match returns the first keyword found in text.
func (m *KeywordMatcher) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, k := range m.keywords {
		if strings.Contains(lower, k) {
			return k, true
		}
	}
	return "", false
}
