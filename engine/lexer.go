package engine

import (
	"encoding/json"
	"strings"

	"github.com/guileen/litepool/engine/errors"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string // identifier, parameter name (without '$'), punctuation or raw number
	str  string // decoded value of a string token
	pos  int    // byte offset of the token in the statement
}

type lexer struct {
	src string
	pos int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// validIdent reports whether s can be used as a table or parameter name.
func validIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			l.pos++
			continue
		}
		if c == '-' && strings.HasPrefix(l.src[l.pos:], "--") {
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
			continue
		}
		return
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	switch {
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil

	case c == '$':
		l.pos++
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		name := l.src[start+1 : l.pos]
		if !validIdent(name) {
			return token{}, errors.NewParseErrorf("invalid parameter name at offset %d", start)
		}
		return token{kind: tokParam, text: name, pos: start}, nil

	case isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		l.pos++
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || strings.IndexByte(".eE+-", l.src[l.pos]) >= 0) {
			l.pos++
		}
		return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil

	case c == '"':
		end, err := scanQuoted(l.src, l.pos)
		if err != nil {
			return token{}, err
		}
		var s string
		if err := json.Unmarshal([]byte(l.src[start:end]), &s); err != nil {
			return token{}, errors.NewParseErrorf("invalid string at offset %d: %v", start, err)
		}
		l.pos = end
		return token{kind: tokString, str: s, pos: start}, nil

	case c == '\'':
		end, err := scanQuoted(l.src, l.pos)
		if err != nil {
			return token{}, err
		}
		l.pos = end
		return token{kind: tokString, str: unescapeSingle(l.src[start+1 : end-1]), pos: start}, nil

	case strings.IndexByte("*=,{}[]:", c) >= 0:
		l.pos++
		return token{kind: tokPunct, text: string(c), pos: start}, nil
	}

	return token{}, errors.NewParseErrorf("unexpected character %q at offset %d", c, start)
}

// scanQuoted returns the offset just past the quoted string starting at start.
func scanQuoted(src string, start int) (int, error) {
	quote := src[start]
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case quote:
			return i + 1, nil
		}
	}
	return 0, errors.NewParseErrorf("unterminated string at offset %d", start)
}

func unescapeSingle(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// splitStatements splits text on semicolons outside quoted strings and
// comments, dropping empty statements.
func splitStatements(text string) ([]string, error) {
	var stmts []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch c := text[i]; {
		case c == '"' || c == '\'':
			end, err := scanQuoted(text, i)
			if err != nil {
				return nil, err
			}
			i = end - 1
		case c == '-' && strings.HasPrefix(text[i:], "--"):
			for i < len(text) && text[i] != '\n' {
				i++
			}
		case c == ';':
			stmts = appendStatement(stmts, text[start:i])
			start = i + 1
		}
	}
	return appendStatement(stmts, text[start:]), nil
}

func appendStatement(stmts []string, s string) []string {
	l := &lexer{src: s}
	l.skipSpace()
	if l.pos == len(s) {
		return stmts
	}
	return append(stmts, s)
}
