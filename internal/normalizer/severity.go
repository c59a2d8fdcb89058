package normalizer

import (
	"sort"
	"strings"
)

// SeverityMap maps textual severity words to numeric level codes.
// Lookups are case-insensitive.
type SeverityMap map[string]string

// DefaultSeverityWords returns the word table applied when none is configured.
func DefaultSeverityWords() SeverityMap {
	return SeverityMap{
		"informational": "1",
		"info":          "1",
		"low":           "3",
		"medium":        "7",
		"moderate":      "7",
		"high":          "12",
		"critical":      "15",
	}
}

// Merge returns a copy of m with overrides applied. Keys are lowercased.
func (m SeverityMap) Merge(overrides SeverityMap) SeverityMap {
	out := make(SeverityMap, len(m)+len(overrides))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	for k, v := range overrides {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Code returns the numeric code for a severity word.
func (m SeverityMap) Code(word string) (string, bool) {
	code, ok := m[strings.ToLower(strings.TrimSpace(word))]
	return code, ok
}

// Words returns the table's words sorted, for deterministic iteration.
func (m SeverityMap) Words() []string {
	words := make([]string, 0, len(m))
	for w := range m {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}
