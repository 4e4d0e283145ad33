package condition

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenBool
	tokenNull
	tokenDot
	tokenComma
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenEQ
	tokenNE
	tokenLT
	tokenLE
	tokenGT
	tokenGE
	tokenAnd
	tokenOr
	tokenNot
	tokenIn
	tokenMinus
)

var tokenNames = map[tokenType]string{
	tokenEOF:      "end of expression",
	tokenIdent:    "identifier",
	tokenNumber:   "number",
	tokenString:   "string",
	tokenBool:     "boolean",
	tokenNull:     "null",
	tokenDot:      "'.'",
	tokenComma:    "','",
	tokenLParen:   "'('",
	tokenRParen:   "')'",
	tokenLBracket: "'['",
	tokenRBracket: "']'",
	tokenEQ:       "'=='",
	tokenNE:       "'!='",
	tokenLT:       "'<'",
	tokenLE:       "'<='",
	tokenGT:       "'>'",
	tokenGE:       "'>='",
	tokenAnd:      "'and'",
	tokenOr:       "'or'",
	tokenNot:      "'not'",
	tokenIn:       "'in'",
	tokenMinus:    "'-'",
}

func (t tokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(t))
}

type token struct {
	typ   tokenType
	value string
	pos   int
}

// keywords maps word operators and literals onto token types
var keywords = map[string]tokenType{
	"and":   tokenAnd,
	"or":    tokenOr,
	"not":   tokenNot,
	"in":    tokenIn,
	"true":  tokenBool,
	"True":  tokenBool,
	"false": tokenBool,
	"False": tokenBool,
	"null":  tokenNull,
	"nil":   tokenNull,
	"None":  tokenNull,
}

var twoCharOps = map[string]tokenType{
	"==": tokenEQ,
	"!=": tokenNE,
	"<=": tokenLE,
	">=": tokenGE,
	"&&": tokenAnd,
	"||": tokenOr,
}

var oneCharOps = map[byte]tokenType{
	'.': tokenDot,
	',': tokenComma,
	'(': tokenLParen,
	')': tokenRParen,
	'[': tokenLBracket,
	']': tokenRBracket,
	'<': tokenLT,
	'>': tokenGT,
	'!': tokenNot,
	'-': tokenMinus,
}

// tokenize splits an expression into tokens, always ending with tokenEOF
func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(expr) {
		c := expr[i]

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}

		if i+1 < len(expr) {
			if typ, ok := twoCharOps[expr[i:i+2]]; ok {
				tokens = append(tokens, token{typ: typ, value: expr[i : i+2], pos: i})
				i += 2
				continue
			}
		}

		// a dot followed by a digit starts a number like .5
		if typ, ok := oneCharOps[c]; ok && !(c == '.' && i+1 < len(expr) && isDigit(expr[i+1]) && !followsValue(tokens)) {
			tokens = append(tokens, token{typ: typ, value: string(c), pos: i})
			i++
			continue
		}

		switch {
		case c == '"' || c == '\'':
			value, next, err := readString(expr, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{typ: tokenString, value: value, pos: i})
			i = next

		case isDigit(c) || c == '.':
			start := i
			seenDot := false
			for i < len(expr) && (isDigit(expr[i]) || (expr[i] == '.' && !seenDot)) {
				if expr[i] == '.' {
					seenDot = true
				}
				i++
			}
			if i < len(expr) && (expr[i] == 'e' || expr[i] == 'E') {
				j := i + 1
				if j < len(expr) && (expr[j] == '+' || expr[j] == '-') {
					j++
				}
				if j < len(expr) && isDigit(expr[j]) {
					i = j
					for i < len(expr) && isDigit(expr[i]) {
						i++
					}
				}
			}
			tokens = append(tokens, token{typ: tokenNumber, value: expr[start:i], pos: start})

		case isIdentStart(c):
			start := i
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			word := expr[start:i]
			typ, ok := keywords[word]
			if !ok {
				typ = tokenIdent
			}
			tokens = append(tokens, token{typ: typ, value: word, pos: start})

		default:
			return nil, fmt.Errorf("%w: unexpected character %q at position %d", ErrSyntax, c, i)
		}
	}

	return append(tokens, token{typ: tokenEOF, pos: len(expr)}), nil
}

// followsValue reports whether the previous token ends an operand, in which
// case a '.' is member access rather than the start of a number
func followsValue(tokens []token) bool {
	if len(tokens) == 0 {
		return false
	}
	switch tokens[len(tokens)-1].typ {
	case tokenIdent, tokenRParen, tokenRBracket, tokenString:
		return true
	}
	return false
}

func readString(expr string, start int) (string, int, error) {
	quote := expr[start]
	var b strings.Builder
	i := start + 1
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == '\\' && i+1 < len(expr):
			switch next := expr[i+1]; next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			i += 2
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated string starting at position %d", ErrSyntax, start)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
