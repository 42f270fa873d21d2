// Package compiler is the driver: it orchestrates function-table
// construction, tree transformation, and encryption extraction into a
// single public Compile entry point.
package compiler

import (
	"gopkg.in/yaml.v3"

	"github.com/aiseeq/ruleplan/pkg/compiler/diag"
	"github.com/aiseeq/ruleplan/pkg/compiler/funcs"
	"github.com/aiseeq/ruleplan/pkg/compiler/ruletree"
	"github.com/aiseeq/ruleplan/pkg/doc"
)

// Error is the single error type the pipeline returns.
type Error = diag.Error

// Kind re-exports diag.Kind so callers never need to import the internal
// diag package directly.
type Kind = diag.Kind

const (
	Syntax    = diag.Syntax
	Reference = diag.Reference
	Arity     = diag.Arity
	Structure = diag.Structure
	Env       = diag.Env
)

// Result is the output of a successful compile: Rules is always present,
// Firecrypt is nil when the document carries no encryption annotations.
type Result struct {
	Rules     *ruletree.Node
	Firecrypt *ruletree.Node
}

// Compile runs the full pipeline over an already-decoded document node.
func Compile(node *yaml.Node) (*Result, error) {
	d, err := doc.FromNode(node)
	if err != nil {
		return nil, err
	}

	table, err := funcs.Build(d.Functions)
	if err != nil {
		return nil, err
	}

	scope := ruletree.NewScope(table)
	rules, err := ruletree.TransformBranch(d.Root, scope, "root", 0)
	if err != nil {
		return nil, err
	}

	if _, ok := rules.Get(".indexChildrenOn"); ok {
		return nil, diag.New(diag.Structure, "dangling deep index: .indexChildrenOn must be nested under a wildcard").AtPath("root")
	}

	firecrypt, ok := ruletree.ExtractEncrypt(rules)
	if !ok {
		firecrypt = nil
	}

	return &Result{Rules: rules, Firecrypt: firecrypt}, nil
}
