package common

import (
	"regexp"
	"strings"
)

var (
	nonWordRe  = regexp.MustCompile(`[^\w\s-]`)
	wordSepRe  = regexp.MustCompile(`[-\s]+`)
	maxSlugLen = 100
)

// Slugify converts a query string into a stable artifact path segment.
// The same query must always map to the same slug or result lookups break.
func Slugify(text string) string {
	s := strings.ToLower(text)
	s = nonWordRe.ReplaceAllString(s, "")
	s = wordSepRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	return s
}

// ResultsPath joins artifact path segments with forward slashes regardless of OS
func ResultsPath(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}
