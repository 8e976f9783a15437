package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/embeddedllm/jamai/pkg/errs"
	"github.com/embeddedllm/jamai/pkg/models"
)

// The row-listing "where" parameter accepts a small SQL subset:
//
//	expr   := and ( OR and )*
//	and    := unary ( AND unary )*
//	unary  := '(' expr ')' | cmp
//	cmp    := column ( '=' | '~*' ) literal
//	column := "quoted name" | bare_name
//	lit    := 'string' | number | true | false
//
// The parser builds a Filter tree that the memory store evaluates directly
// and the Postgres store compiles to parameterized SQL. A hand-written
// recursive descent keeps the accepted grammar exactly this small; anything
// else is a BadInput, never a pass-through to the database.

type filterOp string

const (
	opAnd   filterOp = "and"
	opOr    filterOp = "or"
	opEq    filterOp = "eq"
	opRegex filterOp = "regex" // case-insensitive, SQL ~*
)

// Filter is one node of the parsed where tree.
type Filter struct {
	Op    filterOp
	Left  *Filter // and/or
	Right *Filter // and/or

	Column string // leaf
	Value  any    // leaf: string, float64 or bool

	re *regexp.Regexp // compiled lazily for opRegex leaves
}

// ── Lexer ───────────────────────────────────────────────────

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokBool
	tokEq
	tokRegex
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

type lexer struct {
	in  string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.in) && unicode.IsSpace(rune(l.in[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.in) {
		return token{kind: tokEOF}, nil
	}

	c := l.in[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen}, nil
	case c == '=':
		l.pos++
		return token{kind: tokEq}, nil
	case c == '~':
		if l.pos+1 < len(l.in) && l.in[l.pos+1] == '*' {
			l.pos += 2
			return token{kind: tokRegex}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at position %d (did you mean ~*)", c, l.pos)
	case c == '"':
		end := strings.IndexByte(l.in[l.pos+1:], '"')
		if end < 0 {
			return token{}, fmt.Errorf("unterminated quoted column at position %d", l.pos)
		}
		t := token{kind: tokIdent, text: l.in[l.pos+1 : l.pos+1+end]}
		l.pos += end + 2
		return t, nil
	case c == '\'':
		// SQL string literal with '' escaping.
		var sb strings.Builder
		i := l.pos + 1
		for i < len(l.in) {
			if l.in[i] == '\'' {
				if i+1 < len(l.in) && l.in[i+1] == '\'' {
					sb.WriteByte('\'')
					i += 2
					continue
				}
				l.pos = i + 1
				return token{kind: tokString, text: sb.String()}, nil
			}
			sb.WriteByte(l.in[i])
			i++
		}
		return token{}, fmt.Errorf("unterminated string at position %d", l.pos)
	case c == '-' || c >= '0' && c <= '9':
		start := l.pos
		l.pos++
		for l.pos < len(l.in) && (l.in[l.pos] >= '0' && l.in[l.pos] <= '9' || l.in[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.in[start:l.pos]}, nil
	default:
		if !isIdentByte(c) {
			return token{}, fmt.Errorf("unexpected %q at position %d", c, l.pos)
		}
		start := l.pos
		for l.pos < len(l.in) && isIdentByte(l.in[l.pos]) {
			l.pos++
		}
		word := l.in[start:l.pos]
		switch strings.ToUpper(word) {
		case "AND":
			return token{kind: tokAnd}, nil
		case "OR":
			return token{kind: tokOr}, nil
		case "TRUE":
			return token{kind: tokBool, text: "true"}, nil
		case "FALSE":
			return token{kind: tokBool, text: "false"}, nil
		}
		return token{kind: tokIdent, text: word}, nil
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// ── Parser ──────────────────────────────────────────────────

type filterParser struct {
	lex  lexer
	tok  token
	cols map[string]bool // known column ids
}

// ParseFilter parses a where expression against a table schema. Columns must
// exist; quoting is required only for names with spaces.
func ParseFilter(where string, schema *models.TableSchema) (*Filter, error) {
	if strings.TrimSpace(where) == "" {
		return nil, nil
	}
	cols := make(map[string]bool, len(schema.Cols))
	for _, c := range schema.Cols {
		cols[c.ID] = true
	}
	p := &filterParser{lex: lexer{in: where}, cols: cols}
	if err := p.advance(); err != nil {
		return nil, errs.BadInput("invalid where clause: %v", err)
	}
	f, err := p.parseOr()
	if err != nil {
		return nil, errs.BadInput("invalid where clause: %v", err)
	}
	if p.tok.kind != tokEOF {
		return nil, errs.BadInput("invalid where clause: trailing input")
	}
	return f, nil
}

func (p *filterParser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *filterParser) parseOr() (*Filter, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Filter{Op: opOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (*Filter, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Filter{Op: opAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *filterParser) parseUnary() (*Filter, error) {
	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		f, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return f, nil
	}
	return p.parseCmp()
}

func (p *filterParser) parseCmp() (*Filter, error) {
	if p.tok.kind != tokIdent {
		return nil, fmt.Errorf("expected a column name")
	}
	col := p.tok.text
	if !p.cols[col] {
		return nil, fmt.Errorf("unknown column %q", col)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	var op filterOp
	switch p.tok.kind {
	case tokEq:
		op = opEq
	case tokRegex:
		op = opRegex
	default:
		return nil, fmt.Errorf("expected = or ~* after column %q", col)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	var val any
	switch p.tok.kind {
	case tokString:
		val = p.tok.text
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p.tok.text)
		}
		val = f
	case tokBool:
		val = p.tok.text == "true"
	default:
		return nil, fmt.Errorf("expected a literal after the operator")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	leaf := &Filter{Op: op, Column: col, Value: val}
	if op == opRegex {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("~* requires a string pattern")
		}
		re, err := regexp.Compile("(?i)" + s)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %v", s, err)
		}
		leaf.re = re
	}
	return leaf, nil
}

// ── Evaluation (memory store) ───────────────────────────────

// Match evaluates the filter against a row's cell values.
func (f *Filter) Match(row models.Row) bool {
	if f == nil {
		return true
	}
	switch f.Op {
	case opAnd:
		return f.Left.Match(row) && f.Right.Match(row)
	case opOr:
		return f.Left.Match(row) || f.Right.Match(row)
	case opEq:
		return cellEquals(row[f.Column].Value, f.Value)
	case opRegex:
		s, ok := row[f.Column].Value.(string)
		return ok && f.re.MatchString(s)
	}
	return false
}

func cellEquals(cell, lit any) bool {
	switch want := lit.(type) {
	case string:
		got, ok := cell.(string)
		return ok && got == want
	case bool:
		got, ok := cell.(bool)
		return ok && got == want
	case float64:
		got, ok := asFloat(cell)
		return ok && got == want
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ── SQL compilation (Postgres store) ────────────────────────

// SQL renders the filter as a parameterized WHERE fragment. colExpr maps a
// column id to the SQL expression extracting its value as text; numeric
// comparisons wrap it in a cast. Placeholders continue from *argn.
func (f *Filter) SQL(colExpr func(col string) string, args *[]any) string {
	if f == nil {
		return "TRUE"
	}
	switch f.Op {
	case opAnd:
		return "(" + f.Left.SQL(colExpr, args) + " AND " + f.Right.SQL(colExpr, args) + ")"
	case opOr:
		return "(" + f.Left.SQL(colExpr, args) + " OR " + f.Right.SQL(colExpr, args) + ")"
	case opEq:
		expr := colExpr(f.Column)
		switch v := f.Value.(type) {
		case float64:
			*args = append(*args, v)
			return fmt.Sprintf("(%s)::numeric = $%d", expr, len(*args))
		case bool:
			*args = append(*args, strconv.FormatBool(v))
			return fmt.Sprintf("%s = $%d", expr, len(*args))
		default:
			*args = append(*args, v)
			return fmt.Sprintf("%s = $%d", expr, len(*args))
		}
	case opRegex:
		*args = append(*args, f.Value)
		return fmt.Sprintf("%s ~* $%d", colExpr(f.Column), len(*args))
	}
	return "TRUE"
}
