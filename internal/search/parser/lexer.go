package parser

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokPhrase
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokColon
	tokPlus
	tokMinus
	tokNot
	tokAnd
	tokOr
	tokTo
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of query"
	case tokWord:
		return "term"
	case tokPhrase:
		return "phrase"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokColon:
		return "':'"
	case tokPlus:
		return "'+'"
	case tokMinus:
		return "'-'"
	case tokNot:
		return "NOT"
	case tokAnd:
		return "AND"
	case tokOr:
		return "OR"
	case tokTo:
		return "TO"
	}
	return "unknown"
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex splits a query string into tokens. Backslash escapes the next
// character inside terms and phrases.
func lex(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, pos: i})
			i++
		case r == '[':
			tokens = append(tokens, token{kind: tokLBracket, pos: i})
			i++
		case r == ']':
			tokens = append(tokens, token{kind: tokRBracket, pos: i})
			i++
		case r == ':':
			tokens = append(tokens, token{kind: tokColon, pos: i})
			i++
		case r == '+':
			tokens = append(tokens, token{kind: tokPlus, pos: i})
			i++
		case r == '-':
			tokens = append(tokens, token{kind: tokMinus, pos: i})
			i++
		case r == '!':
			tokens = append(tokens, token{kind: tokNot, text: "!", pos: i})
			i++
		case r == '&' && i+1 < len(runes) && runes[i+1] == '&':
			tokens = append(tokens, token{kind: tokAnd, text: "&&", pos: i})
			i += 2
		case r == '|' && i+1 < len(runes) && runes[i+1] == '|':
			tokens = append(tokens, token{kind: tokOr, text: "||", pos: i})
			i += 2
		case r == '"':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '\\' && i+1 < len(runes) {
					sb.WriteRune(runes[i+1])
					i += 2
					continue
				}
				if runes[i] == '"' {
					closed = true
					i++
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, syntaxErrorf(start, "unterminated phrase")
			}
			tokens = append(tokens, token{kind: tokPhrase, text: sb.String(), pos: start})
		default:
			start := i
			var sb strings.Builder
			for i < len(runes) && !isTermBoundary(runes[i]) {
				if runes[i] == '\\' {
					if i+1 >= len(runes) {
						return nil, syntaxErrorf(i, "dangling escape")
					}
					i++
				}
				sb.WriteRune(runes[i])
				i++
			}
			tokens = append(tokens, wordToken(sb.String(), start))
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(runes)})
	return tokens, nil
}

// isTermBoundary reports whether r ends a bare term. '+', '-' and '!' only
// act as operators in front of a clause, so they may appear inside terms.
func isTermBoundary(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case '(', ')', '[', ']', ':', '"':
		return true
	}
	return false
}

func wordToken(text string, pos int) token {
	switch text {
	case "AND":
		return token{kind: tokAnd, text: text, pos: pos}
	case "OR":
		return token{kind: tokOr, text: text, pos: pos}
	case "NOT":
		return token{kind: tokNot, text: text, pos: pos}
	case "TO":
		return token{kind: tokTo, text: text, pos: pos}
	}
	return token{kind: tokWord, text: text, pos: pos}
}
