// Package parser implements a recursive-descent parser for the JS-subset
// expression language: literals, identifiers, member access (dot and
// bracket), calls, unary/binary/logical operators, conditionals,
// parenthesized comma sequences. Statements, assignments, declarations, and
// arrow functions are rejected.
package parser

import (
	"fmt"

	"github.com/aiseeq/ruleplan/pkg/lang/ast"
	"github.com/aiseeq/ruleplan/pkg/lang/lexer"
)

// Parse parses a single expression and returns its AST, or an error
// describing the first syntax problem encountered.
func Parse(src string) (n ast.Node, err error) {
	p := &parser{lex: lexer.New(src), src: src}
	defer func() {
		if e := recover(); e != nil {
			pe, ok := e.(parseError)
			if !ok {
				panic(e)
			}
			err = fmt.Errorf("%s in %q", pe.msg, src)
		}
	}()
	p.advance()
	expr := p.parseSequence()
	p.expectEOF()
	return expr, nil
}

type parseError struct{ msg string }

type parser struct {
	lex  *lexer.Lexer
	src  string
	tok  lexer.Token
	peek *lexer.Token
}

func (p *parser) errorf(format string, args ...any) {
	panic(parseError{msg: fmt.Sprintf(format, args...)})
}

func (p *parser) advance() {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return
	}
	p.tok = p.lex.Next()
	if p.tok.Type == lexer.Error {
		p.errorf("%s", p.tok.Val)
	}
}

func (p *parser) peekTok() lexer.Token {
	if p.peek == nil {
		t := p.lex.Next()
		p.peek = &t
	}
	return *p.peek
}

func (p *parser) expectEOF() {
	if p.tok.Type != lexer.EOF {
		p.errorf("unexpected token %s", p.tok)
	}
}

func (p *parser) isPunct(val string) bool {
	return p.tok.Type == lexer.Punct && p.tok.Val == val
}

func (p *parser) expectPunct(val string) {
	if !p.isPunct(val) {
		p.errorf("expected %q, got %s", val, p.tok)
	}
	p.advance()
}

// parseSequence handles the lowest-precedence comma operator; it is used at
// the top level of a parenthesized group, and tolerated (as a single-item
// sequence) at the top level of Parse.
func (p *parser) parseSequence() ast.Node {
	first := p.parseAssignLevel()
	if !p.isPunct(",") {
		return first
	}
	exprs := []ast.Node{first}
	for p.isPunct(",") {
		p.advance()
		exprs = append(exprs, p.parseAssignLevel())
	}
	return &ast.Sequence{Exprs: exprs}
}

// parseAssignLevel is the entry point for a single expression, i.e.
// everything above the comma operator. The language has no assignment
// operators, so this is just the conditional level.
func (p *parser) parseAssignLevel() ast.Node {
	return p.parseConditional()
}

func (p *parser) parseConditional() ast.Node {
	test := p.parseLogicalOr()
	if !p.isPunct("?") {
		return test
	}
	p.advance()
	cons := p.parseAssignLevel()
	p.expectPunct(":")
	alt := p.parseAssignLevel()
	return &ast.Conditional{Test: test, Cons: cons, Alt: alt}
}

func (p *parser) parseLogicalOr() ast.Node {
	left := p.parseLogicalAnd()
	for p.isPunct("||") {
		p.advance()
		right := p.parseLogicalAnd()
		left = &ast.Logical{Op: "||", Left: left, Right: right}
	}
	return left
}

func (p *parser) parseLogicalAnd() ast.Node {
	left := p.parseEquality()
	for p.isPunct("&&") {
		p.advance()
		right := p.parseEquality()
		left = &ast.Logical{Op: "&&", Left: left, Right: right}
	}
	return left
}

var equalityOps = map[string]bool{"==": true, "!=": true, "===": true, "!==": true}

func (p *parser) parseEquality() ast.Node {
	left := p.parseRelational()
	for p.tok.Type == lexer.Punct && equalityOps[p.tok.Val] {
		op := p.tok.Val
		p.advance()
		right := p.parseRelational()
		left = &ast.Binary{Op: op, Left: left, Right: right}
	}
	return left
}

var relationalOps = map[string]bool{"<": true, ">": true, "<=": true, ">=": true}

func (p *parser) parseRelational() ast.Node {
	left := p.parseAdditive()
	for p.tok.Type == lexer.Punct && relationalOps[p.tok.Val] {
		op := p.tok.Val
		p.advance()
		right := p.parseAdditive()
		left = &ast.Binary{Op: op, Left: left, Right: right}
	}
	return left
}

func (p *parser) parseAdditive() ast.Node {
	left := p.parseMultiplicative()
	for p.isPunct("+") || p.isPunct("-") {
		op := p.tok.Val
		p.advance()
		right := p.parseMultiplicative()
		left = &ast.Binary{Op: op, Left: left, Right: right}
	}
	return left
}

func (p *parser) parseMultiplicative() ast.Node {
	left := p.parseUnary()
	for p.isPunct("*") || p.isPunct("/") || p.isPunct("%") {
		op := p.tok.Val
		p.advance()
		right := p.parseUnary()
		left = &ast.Binary{Op: op, Left: left, Right: right}
	}
	return left
}

func (p *parser) parseUnary() ast.Node {
	if p.isPunct("!") || p.isPunct("-") || p.isPunct("+") {
		op := p.tok.Val
		p.advance()
		return &ast.Unary{Op: op, Arg: p.parseUnary()}
	}
	return p.parseCallMember()
}

func (p *parser) parseCallMember() ast.Node {
	n := p.parsePrimary()
	for {
		switch {
		case p.isPunct("."):
			p.advance()
			if p.tok.Type != lexer.Ident {
				p.errorf("expected property name after '.', got %s", p.tok)
			}
			prop := &ast.Ident{Name: p.tok.Val}
			p.advance()
			n = &ast.Member{Object: n, Property: prop, Computed: false}
		case p.isPunct("["):
			p.advance()
			idx := p.parseAssignLevel()
			p.expectPunct("]")
			n = &ast.Member{Object: n, Property: idx, Computed: true}
		case p.isPunct("("):
			p.advance()
			var args []ast.Node
			for !p.isPunct(")") {
				args = append(args, p.parseAssignLevel())
				if p.isPunct(",") {
					p.advance()
					continue
				}
				break
			}
			p.expectPunct(")")
			n = &ast.Call{Callee: n, Args: args}
		default:
			return n
		}
	}
}

func (p *parser) parsePrimary() ast.Node {
	switch p.tok.Type {
	case lexer.Number:
		n := ast.Number(p.tok.Val)
		p.advance()
		return n
	case lexer.String:
		n := ast.String(p.tok.Val)
		p.advance()
		return n
	case lexer.Bool:
		n := ast.Bool(p.tok.Val == "true")
		p.advance()
		return n
	case lexer.Ident:
		n := &ast.Ident{Name: p.tok.Val}
		p.advance()
		return n
	case lexer.Punct:
		if p.tok.Val == "(" {
			p.advance()
			inner := p.parseSequence()
			p.expectPunct(")")
			return inner
		}
		p.errorf("unexpected token %s", p.tok)
	case lexer.EOF:
		p.errorf("unexpected end of expression")
	}
	p.errorf("unexpected token %s", p.tok)
	return nil
}
