package vectorindex

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}\s\-']+`)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "he": true, "in": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "that": true, "the": true,
	"to": true, "was": true, "will": true, "with": true, "what": true,
	"did": true, "does": true, "how": true, "who": true, "about": true,
}

// terms returns the distinct stemmed terms of text.
func terms(text string) map[string]struct{} {
	text = nonWord.ReplaceAllString(strings.ToLower(text), " ")
	out := map[string]struct{}{}
	for _, w := range strings.Fields(text) {
		if tooShort(w) || stopWords[w] {
			continue
		}
		w = strings.Trim(w, "-'")
		if w == "" {
			continue
		}
		out[stem(w)] = struct{}{}
	}
	return out
}

// tooShort drops ASCII words under three letters. Non-ASCII words keep two
// runes, which covers most CJK words.
func tooShort(w string) bool {
	n := utf8.RuneCountInString(w)
	if n == len(w) {
		return n < 3
	}
	return n < 2
}

// stem strips common English plural and tense suffixes.
func stem(word string) string {
	n := len(word)
	switch {
	case n > 4 && strings.HasSuffix(word, "ies"):
		return word[:n-3] + "y"
	case n > 3 && strings.HasSuffix(word, "es") && !strings.HasSuffix(word, "oes"):
		tail := word[n-3:]
		if strings.ContainsAny(tail[:1], "sxz") || strings.HasSuffix(tail, "ch") || strings.HasSuffix(tail, "sh") {
			return word[:n-2]
		}
	}
	if n > 3 && strings.HasSuffix(word, "s") &&
		!strings.HasSuffix(word, "ss") && !strings.HasSuffix(word, "us") && !strings.HasSuffix(word, "is") {
		return word[:n-1]
	}
	if n > 5 && strings.HasSuffix(word, "ing") && strings.ContainsAny(word[:n-3], "aeiou") {
		return word[:n-3]
	}
	if n > 4 && strings.HasSuffix(word, "ed") && strings.ContainsAny(word[:n-2], "aeiou") {
		return word[:n-2]
	}
	return word
}

// LexicalScore is the share of distinct query terms present in text.
func LexicalScore(query, text string) float64 {
	q := terms(query)
	if len(q) == 0 {
		return 0
	}
	t := terms(text)
	hit := 0
	for term := range q {
		if _, ok := t[term]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(q))
}
