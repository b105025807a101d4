package engine

import (
	"encoding/json"
	"strings"

	"github.com/guileen/litepool/engine/errors"
)

type statementKind int

const (
	stmtSelect statementKind = iota
	stmtCreate
	stmtDelete
	stmtDefineTable
	stmtLet
	stmtReturn
	stmtUse
	stmtOption
	stmtInfo
)

var statementNames = map[statementKind]string{
	stmtSelect:      "select",
	stmtCreate:      "create",
	stmtDelete:      "delete",
	stmtDefineTable: "define",
	stmtLet:         "let",
	stmtReturn:      "return",
	stmtUse:         "use",
	stmtOption:      "option",
	stmtInfo:        "info",
}

func (k statementKind) String() string {
	return statementNames[k]
}

type operandKind int

const (
	operandLiteral operandKind = iota
	operandParam
	operandTable
)

// operand is the source of a SELECT or the value of a LET / RETURN.
type operand struct {
	kind  operandKind
	value Value  // operandLiteral
	name  string // parameter or table name
}

type statement struct {
	kind    statementKind
	table   string
	source  operand
	content map[string]any
	name    string
	ns, db  *string
	strict  bool
}

// parseQuery parses every statement in text.
func parseQuery(text string) ([]statement, error) {
	parts, err := splitStatements(text)
	if err != nil {
		return nil, err
	}

	stmts := make([]statement, 0, len(parts))
	for _, part := range parts {
		stmt, err := parseStatement(part)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

type parser struct {
	lex *lexer
	tok token
}

func parseStatement(src string) (statement, error) {
	p := &parser{lex: &lexer{src: src}}
	if err := p.advance(); err != nil {
		return statement{}, err
	}

	kw := p.tok
	if kw.kind != tokIdent {
		return statement{}, p.unexpected("a statement")
	}
	if err := p.advance(); err != nil {
		return statement{}, err
	}

	var (
		stmt statement
		err  error
	)
	switch strings.ToUpper(kw.text) {
	case "SELECT":
		stmt, err = p.parseSelect()
	case "CREATE":
		stmt, err = p.parseCreate()
	case "DELETE":
		stmt, err = p.parseDelete()
	case "DEFINE":
		stmt, err = p.parseDefine()
	case "LET":
		stmt, err = p.parseLet()
	case "RETURN":
		stmt = statement{kind: stmtReturn}
		stmt.source, err = p.parseValue(false)
	case "USE":
		stmt, err = p.parseUse()
	case "OPTION":
		stmt, err = p.parseOption()
	case "INFO":
		stmt, err = p.parseInfo()
	default:
		return statement{}, errors.NewParseErrorf("unknown statement %q", kw.text)
	}
	if err != nil {
		return statement{}, err
	}

	if p.tok.kind != tokEOF {
		return statement{}, p.unexpected("end of statement")
	}
	return stmt, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) unexpected(want string) error {
	if p.tok.kind == tokEOF {
		return errors.NewParseErrorf("expected %s, found end of statement", want)
	}
	return errors.NewParseErrorf("expected %s at offset %d, found %q", want, p.tok.pos, p.lex.src[p.tok.pos:p.lex.pos])
}

func (p *parser) isKeyword(kw string) bool {
	return p.tok.kind == tokIdent && strings.EqualFold(p.tok.text, kw)
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.unexpected(kw)
	}
	return p.advance()
}

func (p *parser) expectPunct(s string) error {
	if p.tok.kind != tokPunct || p.tok.text != s {
		return p.unexpected("'" + s + "'")
	}
	return p.advance()
}

func (p *parser) parseIdent(what string) (string, error) {
	if p.tok.kind != tokIdent {
		return "", p.unexpected(what)
	}
	name := p.tok.text
	return name, p.advance()
}

// parseName accepts an identifier or a quoted string.
func (p *parser) parseName(what string) (string, error) {
	switch p.tok.kind {
	case tokIdent:
		return p.parseIdent(what)
	case tokString:
		name := p.tok.str
		return name, p.advance()
	}
	return "", p.unexpected(what)
}

// parseValue parses a literal, a parameter, or (when tables is set) a table
// name. JSON objects and arrays consume the rest of the statement.
func (p *parser) parseValue(tables bool) (operand, error) {
	tok := p.tok
	switch tok.kind {
	case tokParam:
		return operand{kind: operandParam, name: tok.text}, p.advance()

	case tokString:
		return operand{kind: operandLiteral, value: tok.str}, p.advance()

	case tokNumber:
		var v Value
		if err := json.Unmarshal([]byte(tok.text), &v); err != nil {
			return operand{}, errors.NewParseErrorf("invalid number %q", tok.text)
		}
		return operand{kind: operandLiteral, value: v}, p.advance()

	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return operand{kind: operandLiteral, value: true}, p.advance()
		case "false":
			return operand{kind: operandLiteral, value: false}, p.advance()
		case "null", "none":
			return operand{kind: operandLiteral, value: nil}, p.advance()
		}
		if tables {
			return operand{kind: operandTable, name: tok.text}, p.advance()
		}

	case tokPunct:
		if tok.text == "{" || tok.text == "[" {
			v, err := p.parseJSONTail()
			return operand{kind: operandLiteral, value: v}, err
		}
	}
	return operand{}, p.unexpected("a value")
}

// parseJSONTail decodes a JSON value from the current token to the end of the statement.
func (p *parser) parseJSONTail() (Value, error) {
	raw := p.lex.src[p.tok.pos:]
	dec := json.NewDecoder(strings.NewReader(raw))
	var v Value
	if err := dec.Decode(&v); err != nil {
		return nil, errors.NewParseErrorf("invalid JSON at offset %d: %v", p.tok.pos, err)
	}
	if rest := strings.TrimSpace(raw[dec.InputOffset():]); rest != "" {
		return nil, errors.NewParseErrorf("unexpected %q after JSON value", rest)
	}
	p.lex.pos = len(p.lex.src)
	p.tok = token{kind: tokEOF, pos: len(p.lex.src)}
	return v, nil
}

func (p *parser) parseSelect() (statement, error) {
	if err := p.expectPunct("*"); err != nil {
		return statement{}, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return statement{}, err
	}
	src, err := p.parseValue(true)
	return statement{kind: stmtSelect, source: src}, err
}

func (p *parser) parseCreate() (statement, error) {
	table, err := p.parseIdent("table name")
	if err != nil {
		return statement{}, err
	}
	stmt := statement{kind: stmtCreate, table: table}
	if p.tok.kind == tokEOF {
		return stmt, nil
	}
	if err := p.expectKeyword("CONTENT"); err != nil {
		return statement{}, err
	}
	if p.tok.kind != tokPunct || p.tok.text != "{" {
		return statement{}, p.unexpected("a JSON object")
	}
	v, err := p.parseJSONTail()
	if err != nil {
		return statement{}, err
	}
	stmt.content = v.(map[string]any)
	return stmt, nil
}

func (p *parser) parseDelete() (statement, error) {
	if p.isKeyword("FROM") {
		if err := p.advance(); err != nil {
			return statement{}, err
		}
	}
	table, err := p.parseIdent("table name")
	return statement{kind: stmtDelete, table: table}, err
}

func (p *parser) parseDefine() (statement, error) {
	if err := p.expectKeyword("TABLE"); err != nil {
		return statement{}, err
	}
	table, err := p.parseIdent("table name")
	return statement{kind: stmtDefineTable, table: table}, err
}

func (p *parser) parseLet() (statement, error) {
	if p.tok.kind != tokParam {
		return statement{}, p.unexpected("a parameter")
	}
	name := p.tok.text
	if err := p.advance(); err != nil {
		return statement{}, err
	}
	if err := p.expectPunct("="); err != nil {
		return statement{}, err
	}
	src, err := p.parseValue(false)
	return statement{kind: stmtLet, name: name, source: src}, err
}

func (p *parser) parseUse() (statement, error) {
	stmt := statement{kind: stmtUse}
	for p.tok.kind != tokEOF {
		switch {
		case p.isKeyword("NS") || p.isKeyword("NAMESPACE"):
			if err := p.advance(); err != nil {
				return statement{}, err
			}
			ns, err := p.parseName("namespace")
			if err != nil {
				return statement{}, err
			}
			stmt.ns = &ns
		case p.isKeyword("DB") || p.isKeyword("DATABASE"):
			if err := p.advance(); err != nil {
				return statement{}, err
			}
			db, err := p.parseName("database")
			if err != nil {
				return statement{}, err
			}
			stmt.db = &db
		default:
			return statement{}, p.unexpected("NS or DB")
		}
	}
	if stmt.ns == nil && stmt.db == nil {
		return statement{}, p.unexpected("NS or DB")
	}
	return stmt, nil
}

func (p *parser) parseOption() (statement, error) {
	if err := p.expectKeyword("STRICT"); err != nil {
		return statement{}, err
	}
	stmt := statement{kind: stmtOption, strict: true}
	if p.tok.kind == tokEOF {
		return stmt, nil
	}
	if err := p.expectPunct("="); err != nil {
		return statement{}, err
	}
	switch {
	case p.isKeyword("true"):
		stmt.strict = true
	case p.isKeyword("false"):
		stmt.strict = false
	default:
		return statement{}, p.unexpected("true or false")
	}
	return stmt, p.advance()
}

func (p *parser) parseInfo() (statement, error) {
	if err := p.expectKeyword("FOR"); err != nil {
		return statement{}, err
	}
	if !p.isKeyword("DB") && !p.isKeyword("DATABASE") {
		return statement{}, p.unexpected("DB")
	}
	return statement{kind: stmtInfo}, p.advance()
}
