// Package filter implements identifier validation and the candidate gates
// applied before an acquisition attempt.
package filter

import "regexp"

// ASINLength is the fixed length of a product identifier.
const ASINLength = 10

var asinRe = regexp.MustCompile(`^B[A-Z0-9]{9}$`)

// ValidASIN reports whether s matches the identifier grammar: ten characters,
// a leading 'B', and uppercase alphanumerics.
func ValidASIN(s string) bool {
	return len(s) == ASINLength && asinRe.MatchString(s)
}

// SplitASINs separates raw identifiers into valid and rejected ones.
// Valid identifiers are deduplicated, keeping the first occurrence order.
func SplitASINs(raw []string) (valid, rejected []string) {
	seen := make(map[string]struct{}, len(raw))
	for _, s := range raw {
		if !ValidASIN(s) {
			rejected = append(rejected, s)
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		valid = append(valid, s)
	}
	return valid, rejected
}
