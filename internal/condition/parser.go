package condition

import (
	"fmt"
	"strconv"
)

// Node is a parsed expression
type Node interface {
	eval(scope map[string]any) (any, error)
	String() string
}

type (
	literalNode struct{ value any }

	identNode struct{ name string }

	// memberNode covers both obj.field and obj[expr]
	memberNode struct {
		object Node
		key    Node
		dotted bool
	}

	listNode struct{ items []Node }

	callNode struct {
		name string
		args []Node
	}

	notNode struct{ operand Node }

	negNode struct{ operand Node }

	logicalNode struct {
		op          tokenType
		left, right Node
	}

	compareNode struct {
		op          tokenType
		negate      bool // "not in"
		left, right Node
	}
)

// builtins is the closed set of callable functions
var builtins = map[string]int{
	"len":    1,
	"exists": 1,
	"empty":  1,
}

// Parse compiles an expression into an AST without evaluating it
func Parse(expr string) (Node, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	if p.peek().typ == tokenEOF {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.typ != tokenEOF {
		return nil, p.unexpected(tok)
	}
	return node, nil
}

// parser is a recursive-descent parser; precedence from loosest to tightest is
// or, and, not, comparison, unary minus, member access
type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos >= len(p.tokens) {
		return token{typ: tokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.tokens) {
		return token{typ: tokenEOF}
	}
	return p.tokens[p.pos+offset]
}

func (p *parser) next() token {
	tok := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *parser) expect(typ tokenType) (token, error) {
	tok := p.next()
	if tok.typ != typ {
		return tok, fmt.Errorf("%w: expected %s at position %d, got %s", ErrSyntax, typ, tok.pos, describe(tok))
	}
	return tok, nil
}

func (p *parser) unexpected(tok token) error {
	return fmt.Errorf("%w: unexpected %s at position %d", ErrSyntax, describe(tok), tok.pos)
}

func describe(tok token) string {
	if tok.value == "" {
		return tok.typ.String()
	}
	return fmt.Sprintf("%s %q", tok.typ, tok.value)
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokenOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokenAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.peek().typ == tokenNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	switch tok.typ {
	case tokenEQ, tokenNE, tokenLT, tokenLE, tokenGT, tokenGE, tokenIn:
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: tok.typ, left: left, right: right}, nil
	case tokenNot:
		if p.peekAt(1).typ != tokenIn {
			return nil, p.unexpected(tok)
		}
		p.next()
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: tokenIn, negate: true, left: left, right: right}, nil
	}

	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.peek().typ == tokenMinus {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().typ {
		case tokenDot:
			p.next()
			field, err := p.expect(tokenIdent)
			if err != nil {
				return nil, err
			}
			node = &memberNode{object: node, key: &literalNode{value: field.value}, dotted: true}
		case tokenLBracket:
			p.next()
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokenRBracket); err != nil {
				return nil, err
			}
			node = &memberNode{object: node, key: key}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.next()

	switch tok.typ {
	case tokenNumber:
		f, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q at position %d", ErrSyntax, tok.value, tok.pos)
		}
		return &literalNode{value: f}, nil

	case tokenString:
		return &literalNode{value: tok.value}, nil

	case tokenBool:
		return &literalNode{value: tok.value == "true" || tok.value == "True"}, nil

	case tokenNull:
		return &literalNode{value: nil}, nil

	case tokenIdent:
		if p.peek().typ == tokenLParen {
			return p.parseCall(tok)
		}
		return &identNode{name: tok.value}, nil

	case tokenLParen:
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		return node, nil

	case tokenLBracket:
		list := &listNode{}
		if p.peek().typ == tokenRBracket {
			p.next()
			return list, nil
		}
		for {
			item, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			list.items = append(list.items, item)
			if p.peek().typ == tokenComma {
				p.next()
				continue
			}
			if _, err := p.expect(tokenRBracket); err != nil {
				return nil, err
			}
			return list, nil
		}
	}

	return nil, p.unexpected(tok)
}

func (p *parser) parseCall(name token) (Node, error) {
	arity, ok := builtins[name.value]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q at position %d", ErrSyntax, name.value, name.pos)
	}

	p.next() // (
	call := &callNode{name: name.value}
	if p.peek().typ != tokenRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if p.peek().typ != tokenComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokenRParen); err != nil {
		return nil, err
	}

	if len(call.args) != arity {
		return nil, fmt.Errorf("%w: %s() takes %d argument, got %d", ErrSyntax, name.value, arity, len(call.args))
	}
	return call, nil
}
