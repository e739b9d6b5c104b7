package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokDot
	tokComma
	tokLParen
	tokRParen
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLT
	tokLTE
	tokGT
	tokGTE
	tokEQ
	tokNEQ
	tokAnd
	tokOr
	tokNot
	tokTrue
	tokFalse
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type lexer struct {
	src []rune
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: []rune(src)}
}

func (l *lexer) peekRune() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) tokens() ([]token, error) {
	var out []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.kind == tokEOF {
			return out, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}

	c := l.src[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma}, nil
	case c == '.' && !isDigit(l.peekAt(1)):
		l.pos++
		return token{kind: tokDot}, nil
	case c == '+':
		l.pos++
		return token{kind: tokPlus}, nil
	case c == '-':
		l.pos++
		return token{kind: tokMinus}, nil
	case c == '*':
		l.pos++
		return token{kind: tokStar}, nil
	case c == '/':
		l.pos++
		return token{kind: tokSlash}, nil
	case c == '<':
		l.pos++
		if l.peekRune() == '=' {
			l.pos++
			return token{kind: tokLTE}, nil
		}
		return token{kind: tokLT}, nil
	case c == '>':
		l.pos++
		if l.peekRune() == '=' {
			l.pos++
			return token{kind: tokGTE}, nil
		}
		return token{kind: tokGT}, nil
	case c == '=':
		l.pos++
		if l.peekRune() == '=' {
			l.pos++
		}
		return token{kind: tokEQ}, nil
	case c == '!':
		l.pos++
		if l.peekRune() == '=' {
			l.pos++
			return token{kind: tokNEQ}, nil
		}
		return token{}, fmt.Errorf("unexpected character '!' at position %d", l.pos-1)
	case c == '\'' || c == '"':
		return l.lexString(c)
	case isDigit(c):
		return l.lexNumber()
	case isIdentStart(c):
		return l.lexIdent()
	default:
		return token{}, fmt.Errorf("unexpected character %q at position %d", c, l.pos)
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n' || l.src[l.pos] == '\r') {
		l.pos++
	}
}

func (l *lexer) peekAt(offset int) rune {
	idx := l.pos + offset
	if idx >= len(l.src) {
		return 0
	}
	return l.src[idx]
}

func (l *lexer) lexString(quote rune) (token, error) {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) && l.src[l.pos] != quote {
		b.WriteRune(l.src[l.pos])
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{}, fmt.Errorf("unterminated string literal starting at position %d", start)
	}
	l.pos++
	return token{kind: tokString, text: b.String()}, nil
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' && isDigit(l.peekAt(1)) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	text := string(l.src[start:l.pos])
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid numeric literal %q", text)
	}
	return token{kind: tokNumber, num: n, text: text}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	text := string(l.src[start:l.pos])
	switch text {
	case "and":
		return token{kind: tokAnd, text: text}, nil
	case "or":
		return token{kind: tokOr, text: text}, nil
	case "not":
		return token{kind: tokNot, text: text}, nil
	case "true", "True":
		return token{kind: tokTrue, text: text}, nil
	case "false", "False":
		return token{kind: tokFalse, text: text}, nil
	default:
		return token{kind: tokIdent, text: text}, nil
	}
}

func isDigit(c rune) bool { return c >= '0' && c <= '9' }

func isIdentStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || isDigit(c)
}
