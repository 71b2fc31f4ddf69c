package headers

import (
	"strings"
)

// BuildCSP merges CSP directive maps into a single header value. Sources are
// applied in order (global config first, route overlays last); values for the
// same directive are concatenated with exact-token de-duplication.
func BuildCSP(sources ...map[string]string) string {
	var order []string
	merged := make(map[string][]string)

	for _, src := range sources {
		if len(src) == 0 {
			continue
		}
		// Maps are unordered; sort keys within one source for stable output.
		for _, directive := range sortedKeys(src) {
			tokens := strings.Fields(src[directive])
			if _, seen := merged[directive]; !seen {
				order = append(order, directive)
			}
			for _, tok := range tokens {
				if !contains(merged[directive], tok) {
					merged[directive] = append(merged[directive], tok)
				}
			}
		}
	}

	if len(order) == 0 {
		return ""
	}

	var b strings.Builder
	for i, directive := range order {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(directive)
		for _, tok := range merged[directive] {
			b.WriteByte(' ')
			b.WriteString(tok)
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort; directive maps are tiny
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
