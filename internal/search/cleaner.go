package search

import (
	_ "embed"
	"regexp"
	"strings"
	"unicode/utf8"
)

// The stopword and trigger lists are data, not code: they live in their own
// files so they can be tuned without touching the retriever.

//go:embed stopwords_es.txt
var stopwordsData string

//go:embed trigger_words.txt
var triggerData string

var (
	stopwords = loadWordSet(stopwordsData)
	triggers  = loadWordSet(triggerData)

	// Everything except letters, digits, whitespace and hyphens becomes a space.
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s-]`)
)

func loadWordSet(data string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(data, "\n") {
		word := strings.TrimSpace(line)
		if word != "" {
			set[word] = struct{}{}
		}
	}
	return set
}

// ShouldClean reports whether the query looks conversational. Very short
// queries pass through untouched; queries carrying request or filler words
// get cleaned.
func ShouldClean(query string) bool {
	lower := strings.ToLower(query)
	words := strings.Fields(lower)
	if len(words) <= 2 {
		return false
	}
	for _, word := range words {
		if _, ok := triggers[strings.Trim(word, ".,;:!?¿¡")]; ok {
			return true
		}
	}
	return false
}

// Clean lowercases the query, strips punctuation except hyphens, and drops
// stopwords and tokens of length ≤ 2. If nothing survives, the original query
// is returned unchanged.
func Clean(query string) string {
	lower := strings.ToLower(strings.TrimSpace(query))
	stripped := punctuation.ReplaceAllString(lower, " ")

	var kept []string
	for _, word := range strings.Fields(stripped) {
		if _, ok := stopwords[word]; ok {
			continue
		}
		if utf8.RuneCountInString(word) <= 2 {
			continue
		}
		kept = append(kept, word)
	}

	if len(kept) == 0 {
		return strings.TrimSpace(query)
	}
	return strings.Join(kept, " ")
}

// Preprocess applies the cleaner when the heuristics say it will help.
func Preprocess(query string) string {
	if ShouldClean(query) {
		return Clean(query)
	}
	return query
}
