package memory

import (
	"strings"

	"github.com/samber/lo"
)

// Tokenize splits text into lowercase word tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	return lo.Map(fields, func(f string, _ int) string { return strings.ToLower(f) })
}

// Words returns the distinct tokens of text longer than minLen characters.
func Words(text string, minLen int) []string {
	return lo.Uniq(lo.Filter(Tokenize(text), func(w string, _ int) bool {
		return len([]rune(w)) > minLen
	}))
}

// Jaccard returns |a∩b| / |a∪b| over case-insensitive sets; two empty sets score 0.
func Jaccard(a, b []string) float64 {
	sa := lo.Uniq(lo.Map(a, func(s string, _ int) string { return strings.ToLower(s) }))
	sb := lo.Uniq(lo.Map(b, func(s string, _ int) string { return strings.ToLower(s) }))
	union := len(lo.Union(sa, sb))
	if union == 0 {
		return 0
	}
	shared := lo.Filter(sa, func(s string, _ int) bool { return lo.Contains(sb, s) })
	return float64(len(shared)) / float64(union)
}

// SharedWordRatio is the Jaccard ratio of the words longer than three
// characters in a and b.
func SharedWordRatio(a, b string) float64 {
	return Jaccard(Words(a, 3), Words(b, 3))
}

// MergeTags returns the union of existing and extra, keeping first-seen order.
func MergeTags(existing []string, extra ...string) []string {
	return lo.Uniq(append(append([]string{}, existing...), extra...))
}
