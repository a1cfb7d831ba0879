// Package analysis turns note bodies and query text into index terms.
// Text is lower-cased and split on non-alphanumeric boundaries; English
// stop words are optionally dropped while still consuming a position, so
// phrase matching keeps the gaps they leave behind.
package analysis

import (
	"strings"
	"unicode"
)

var englishStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "such": {}, "that": {}, "the": {}, "their": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "to": {},
	"was": {}, "will": {}, "with": {},
}

// Token is a single normalised term and its position in the source text.
type Token struct {
	Term     string
	Position int
}

// Analyzer converts text into Tokens. It is safe for concurrent use.
type Analyzer struct {
	stopWords map[string]struct{}
}

// New returns an Analyzer. When stopWords is true the English stop set is
// removed from the token stream.
func New(stopWords bool) *Analyzer {
	a := &Analyzer{}
	if stopWords {
		a.stopWords = englishStopWords
	}
	return a
}

// Analyze breaks text into lower-cased tokens.
func (a *Analyzer) Analyze(text string) []Token {
	words := strings.FieldsFunc(strings.ToLower(text), isSeparator)
	tokens := make([]Token, 0, len(words))
	for pos, word := range words {
		if a.IsStopWord(word) {
			continue
		}
		tokens = append(tokens, Token{Term: word, Position: pos})
	}
	return tokens
}

// Terms returns only the term text of Analyze(text).
func (a *Analyzer) Terms(text string) []string {
	tokens := a.Analyze(text)
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	return terms
}

// IsStopWord reports whether the lower-cased word is dropped by a.
func (a *Analyzer) IsStopWord(word string) bool {
	if a.stopWords == nil {
		return false
	}
	_, ok := a.stopWords[word]
	return ok
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
