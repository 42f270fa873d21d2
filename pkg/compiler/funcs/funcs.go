// Package funcs builds the function table from the document's `functions`
// list: parsing each `name(params): body` entry, rejecting duplicates and
// reserved-name shadowing, and expanding each body to a fixed point so
// later call sites can inline an already-fully-transformed tree.
package funcs

import (
	"regexp"
	"strings"

	"github.com/aiseeq/ruleplan/pkg/compiler/builtins"
	"github.com/aiseeq/ruleplan/pkg/compiler/diag"
	"github.com/aiseeq/ruleplan/pkg/compiler/transform"
	"github.com/aiseeq/ruleplan/pkg/lang/ast"
	"github.com/aiseeq/ruleplan/pkg/lang/parser"
)

var signatureRe = regexp.MustCompile(`^\s*(\w+)\s*(?:\((.*?)\))?\s*$`)

// Entry is one raw `signature: body` pair as read off the document's
// `functions` sequence, before parsing.
type Entry struct {
	Signature string
	Body      string
}

// builtinEntries are appended after any user-defined functions, giving the
// four value-type predicates a home in the same table and the same
// shadow/duplicate checks as user functions.
var builtinEntries = []Entry{
	{Signature: "boolean", Body: "next.isBoolean()"},
	{Signature: "string", Body: "next.isString()"},
	{Signature: "number", Body: "next.isNumber()"},
	{Signature: "any", Body: "true"},
}

// def is one fully parsed, fully transformed function definition.
type def struct {
	name   string
	params []string
	body   ast.Node
}

// Table is the built function table, consulted by the transformer as a
// transform.Resolver during expression compilation.
type Table struct {
	defs  map[string]*def
	order []string
}

// Resolve implements transform.Resolver.
func (t *Table) Resolve(name string) (transform.FuncDef, bool) {
	d, ok := t.defs[name]
	if !ok {
		return transform.FuncDef{}, false
	}
	return transform.FuncDef{Params: d.params, Body: d.body}, true
}

// Build parses every entry (in order), rejects duplicate names and
// reserved-name shadowing, then expands every body to a fixed point. Bodies
// may call each other (including forward references among user functions);
// repeated whole-table passes let acyclic chains of calls converge, while a
// cycle exhausts transform.MaxPasses and is reported as a recursion error.
func Build(entries []Entry) (*Table, error) {
	t := &Table{defs: make(map[string]*def)}

	all := make([]Entry, 0, len(entries)+len(builtinEntries))
	all = append(all, entries...)
	all = append(all, builtinEntries...)

	for _, e := range all {
		name, params, err := parseSignature(e.Signature)
		if err != nil {
			return nil, err
		}
		if _, dup := t.defs[name]; dup {
			return nil, diag.New(diag.Structure, "duplicate function definition %q", name)
		}
		for _, p := range params {
			if builtins.Reserved[p] {
				return nil, diag.New(diag.Structure, "function %q: parameter %q shadows a built-in name", name, p)
			}
		}
		body, err := parser.Parse(e.Body)
		if err != nil {
			return nil, diag.Wrap(diag.Syntax, err, "invalid function body for %q", name).InExpr(e.Body)
		}
		d := &def{name: name, params: params, body: body}
		t.defs[name] = d
		t.order = append(t.order, name)
	}

	if err := t.expandAll(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseSignature(sig string) (name string, params []string, err error) {
	m := signatureRe.FindStringSubmatch(sig)
	if m == nil {
		return "", nil, diag.New(diag.Syntax, "invalid function signature %q", sig)
	}
	name = m[1]
	if builtins.Reserved[name] {
		return "", nil, diag.New(diag.Structure, "function name %q shadows a built-in name", name)
	}
	if m[2] != "" {
		for _, p := range strings.Split(m[2], ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				params = append(params, p)
			}
		}
	}
	return name, params, nil
}

// expandAll repeatedly runs one rewrite pass over every body until a full
// pass across the whole table makes no changes, bounded by
// transform.MaxPasses. Each function body transforms in a scope where its
// own parameters are plain (non-snapshot) locals and `.ref` expansion
// defaults to a newData base, since a function body can be called from
// either a .read or .write position and cannot know which in general.
func (t *Table) expandAll() error {
	for i := 0; i < transform.MaxPasses; i++ {
		anyChanged := false
		for _, name := range t.order {
			d := t.defs[name]
			scope := &transform.Scope{
				Locals: paramScope(d.params),
				Base:   "newData",
				Funcs:  t,
			}
			next, changed, err := transform.Run(d.body, scope)
			if err != nil {
				return diag.Wrap(diag.Reference, err, "expanding function %q", name)
			}
			d.body = next
			if changed {
				anyChanged = true
			}
		}
		if !anyChanged {
			return nil
		}
	}
	return diag.New(diag.Reference, "recursion detected among function definitions")
}

func paramScope(params []string) map[string]bool {
	m := make(map[string]bool, len(params))
	for _, p := range params {
		m[p] = false
	}
	return m
}
