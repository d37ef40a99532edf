package engine

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Safe expression evaluator. The grammar is deliberately tiny: literals,
// identifiers resolved against run variables, arithmetic, comparison and
// boolean operators, and parentheses. No attribute access, no calls, no
// subscripting. Anything that fails to parse is not an expression.
//
//	expr  := or
//	or    := and ("or" and)*
//	and   := not ("and" not)*
//	not   := "not" not | cmp
//	cmp   := sum (("==" | "!=" | "<" | "<=" | ">" | ">=") sum)?
//	sum   := prod (("+" | "-") prod)*
//	prod  := power (("*" | "/" | "//" | "%") power)*
//	power := unary ("**" unary)?
//	unary := ("-" | "+") unary | atom
//	atom  := number | string | bool | null | ident | "(" expr ")"

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokIdent
	tokOp
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

type exprLexer struct {
	input string
	pos   int
}

func (l *exprLexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF}, nil
	}

	c := l.input[l.pos]
	switch {
	case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
		start := l.pos
		seenDot := false
		for l.pos < len(l.input) {
			ch := l.input[l.pos]
			if ch == '.' {
				if seenDot {
					break
				}
				seenDot = true
			} else if ch < '0' || ch > '9' {
				break
			}
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos]}, nil

	case c == '\'' || c == '"':
		quote := c
		l.pos++
		start := l.pos
		for l.pos < len(l.input) && l.input[l.pos] != quote {
			l.pos++
		}
		if l.pos >= len(l.input) {
			return token{}, fmt.Errorf("unterminated string literal")
		}
		text := l.input[start:l.pos]
		l.pos++
		return token{kind: tokString, text: text}, nil

	case unicode.IsLetter(rune(c)) || c == '_':
		start := l.pos
		for l.pos < len(l.input) {
			ch := rune(l.input[l.pos])
			if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' {
				break
			}
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos]}, nil

	default:
		two := ""
		if l.pos+1 < len(l.input) {
			two = l.input[l.pos : l.pos+2]
		}
		switch two {
		case "==", "!=", "<=", ">=", "//", "**":
			l.pos += 2
			return token{kind: tokOp, text: two}, nil
		}
		switch c {
		case '+', '-', '*', '/', '%', '<', '>', '(', ')':
			l.pos++
			return token{kind: tokOp, text: string(c)}, nil
		}
		return token{}, fmt.Errorf("unexpected character %q", c)
	}
}

type exprParser struct {
	tokens []token
	pos    int
	vars   map[string]interface{}
}

// evalExpression parses and evaluates a safe expression against the given
// variables. A parse error means the input is not a safe expression; an
// evaluation error means it was, but could not be computed.
func evalExpression(input string, vars map[string]interface{}) (interface{}, error) {
	lex := &exprLexer{input: input}
	var tokens []token
	for {
		tok, err := lex.next()
		if err != nil {
			return nil, &parseError{err}
		}
		tokens = append(tokens, tok)
		if tok.kind == tokEOF {
			break
		}
	}

	p := &exprParser{tokens: tokens, vars: vars}
	val, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, &parseError{fmt.Errorf("unexpected trailing token %q", p.peek().text)}
	}
	return val, nil
}

// parseError marks failures that mean "not a safe expression" as opposed
// to runtime evaluation failures.
type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }

// isParseError reports whether an expression failed at the grammar level.
func isParseError(err error) bool {
	_, ok := err.(*parseError)
	return ok
}

func (p *exprParser) peek() token { return p.tokens[p.pos] }

func (p *exprParser) acceptOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) acceptKeyword(kw string) bool {
	tok := p.peek()
	if tok.kind == tokIdent && tok.text == kw {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) parseOr() (interface{}, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("or") {
		if truthy(left) {
			// Short-circuit, but the right side must still parse.
			if _, err := p.parseAnd(); err != nil {
				return nil, err
			}
			continue
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = right
	}
	return left, nil
}

func (p *exprParser) parseAnd() (interface{}, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("and") {
		if !truthy(left) {
			if _, err := p.parseNot(); err != nil {
				return nil, err
			}
			continue
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = right
	}
	return left, nil
}

func (p *exprParser) parseNot() (interface{}, error) {
	if p.acceptKeyword("not") {
		val, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}
	return p.parseCmp()
}

func (p *exprParser) parseCmp() (interface{}, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">"); ok {
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return compare(op, left, right)
	}
	return left, nil
}

func (p *exprParser) parseSum() (interface{}, error) {
	left, err := p.parseProd()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseProd()
		if err != nil {
			return nil, err
		}
		left, err = arithmetic(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseProd() (interface{}, error) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "//", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		left, err = arithmetic(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parsePower() (interface{}, error) {
	base, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.acceptOp("**"); ok {
		// Right-associative.
		exp, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return arithmetic("**", base, exp)
	}
	return base, nil
}

func (p *exprParser) parseUnary() (interface{}, error) {
	if op, ok := p.acceptOp("-", "+"); ok {
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			return val, nil
		}
		return arithmetic("-", int64(0), val)
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (interface{}, error) {
	tok := p.peek()
	switch tok.kind {
	case tokNumber:
		p.pos++
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, &parseError{err}
			}
			return f, nil
		}
		i, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, &parseError{err}
		}
		return i, nil

	case tokString:
		p.pos++
		return tok.text, nil

	case tokIdent:
		p.pos++
		switch tok.text {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		case "null", "None":
			return nil, nil
		case "and", "or", "not":
			return nil, &parseError{fmt.Errorf("misplaced keyword %q", tok.text)}
		}
		val, ok := p.vars[tok.text]
		if !ok {
			return nil, fmt.Errorf("undefined variable %q", tok.text)
		}
		return val, nil

	case tokOp:
		if tok.text == "(" {
			p.pos++
			val, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, &parseError{fmt.Errorf("missing closing parenthesis")}
			}
			return val, nil
		}
	}
	return nil, &parseError{fmt.Errorf("unexpected token %q", tok.text)}
}

// truthy follows the source language's notion of truth for the boolean
// operators: nil, zero, empty string/collection are false.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

func asNumber(v interface{}) (float64, bool, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true, true
	case int64:
		return float64(val), true, true
	case float64:
		return val, false, true
	case bool:
		if val {
			return 1, true, true
		}
		return 0, true, true
	default:
		return 0, false, false
	}
}

func arithmetic(op string, left, right interface{}) (interface{}, error) {
	// String concatenation.
	if op == "+" {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
	}

	lf, lInt, lok := asNumber(left)
	rf, rInt, rok := asNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %q needs numeric operands, got %T and %T", op, left, right)
	}
	bothInt := lInt && rInt

	var result float64
	switch op {
	case "+":
		result = lf + rf
	case "-":
		result = lf - rf
	case "*":
		result = lf * rf
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil // true division always yields a float
	case "//":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		result = math.Floor(lf / rf)
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		result = math.Mod(lf, rf)
		if result != 0 && (result < 0) != (rf < 0) {
			result += rf // floored modulo, matching the source semantics
		}
	case "**":
		result = math.Pow(lf, rf)
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}

	if bothInt && result == math.Trunc(result) && !math.IsInf(result, 0) {
		return int64(result), nil
	}
	return result, nil
}

func compare(op string, left, right interface{}) (interface{}, error) {
	if lf, _, lok := asNumber(left); lok {
		if rf, _, rok := asNumber(right); rok {
			switch op {
			case "==":
				return lf == rf, nil
			case "!=":
				return lf != rf, nil
			case "<":
				return lf < rf, nil
			case "<=":
				return lf <= rf, nil
			case ">":
				return lf > rf, nil
			case ">=":
				return lf >= rf, nil
			}
		}
	}

	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			switch op {
			case "==":
				return ls == rs, nil
			case "!=":
				return ls != rs, nil
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}

	switch op {
	case "==":
		return reflect.DeepEqual(left, right), nil
	case "!=":
		return !reflect.DeepEqual(left, right), nil
	}
	return nil, fmt.Errorf("cannot order %T and %T", left, right)
}
