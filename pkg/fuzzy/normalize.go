package fuzzy

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SearchPrefix marks an identifier as a free-text YouTube search.
const SearchPrefix = "ytsearch:"

var (
	punctRegex      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeQuery prepares a search query for the upstream API: the search
// prefix is stripped, the text is NFKC-composed, control characters are
// dropped and whitespace is collapsed. Case and punctuation are kept.
func (n *Normalizer) NormalizeQuery(query string) string {
	query = strings.TrimSpace(query)
	if len(query) >= len(SearchPrefix) && strings.EqualFold(query[:len(SearchPrefix)], SearchPrefix) {
		query = query[len(SearchPrefix):]
	}

	query = norm.NFKC.String(query)
	query = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return ' '
		}
		return r
	}, query)

	query = whitespaceRegex.ReplaceAllString(query, " ")
	return strings.TrimSpace(query)
}

// Fold reduces text to a lowercase, accent- and punctuation-free form for comparisons.
func (n *Normalizer) Fold(text string) string {
	text = norm.NFKD.String(text)

	var result strings.Builder
	for _, r := range text {
		if !unicode.IsMark(r) {
			result.WriteRune(r)
		}
	}
	text = result.String()

	text = punctRegex.ReplaceAllString(text, " ")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	text = strings.ToLower(text)
	text = strings.TrimSpace(text)

	return text
}

// CalculateSimilarity scores two strings in [0, 1] by their longest common subsequence.
func (n *Normalizer) CalculateSimilarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}

	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}

	return float64(n.longestCommonSubsequence(s1, s2)) / float64(max(len(s1), len(s2)))
}

func (n *Normalizer) longestCommonSubsequence(s1, s2 string) int {
	m, k := len(s1), len(s2)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, k+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= k; j++ {
			if s1[i-1] == s2[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}

	return dp[m][k]
}
