// Package transform implements the fixed-point AST rewriter: identifier
// classification, snapshot member lift, value coercion, env expansion,
// oneOf expansion, and function inlining.
package transform

import (
	"os"

	"github.com/aiseeq/ruleplan/pkg/compiler/builtins"
	"github.com/aiseeq/ruleplan/pkg/compiler/diag"
	"github.com/aiseeq/ruleplan/pkg/lang/ast"
)

// MaxPasses bounds the fixed-point loop. The spec requires a recursion
// guard standing in for full cycle detection; exceeding this is reported
// as a recursion error rather than allowed to hang.
const MaxPasses = 256

// FuncDef is the shape RunToFixedPoint needs from a resolvable function:
// its parameter list and its (possibly still-converging) body.
type FuncDef struct {
	Params []string
	Body   ast.Node
}

// Resolver looks up a callable by name: a user-defined function or a
// built-in value-type function (boolean/string/number/any).
type Resolver interface {
	Resolve(name string) (FuncDef, bool)
}

// Scope carries everything a single expression compile needs: which names
// are in-scope locals (wildcard captures and function parameters), which
// names are ref bindings and at what tree depth, the current tree depth,
// the base snapshot identifier for ref expansion ("newData" inside
// .value/.write, "data" inside .read), and the function table.
type Scope struct {
	// Locals maps a local name to whether it is itself snapshot-typed. Per
	// the leave-alone rule, wildcard captures and function parameters are
	// never snapshot-typed, so this is always false today; a local used as
	// the property of a computed member access still gets wrapped with
	// .val() (see member()'s isLocal check), independent of this flag.
	Locals map[string]bool
	// Refs maps a ref name to the tree depth (Level, at the time of the
	// enclosing compile) it was bound at.
	Refs map[string]int
	// Level is the tree depth of the node whose expression is currently
	// being compiled. A ref reference expands to Level minus its binding
	// depth chained .parent() calls.
	Level int
	Base  string
	Funcs Resolver
}

// inScope reports whether name is a local in this scope.
func (s *Scope) inScope(name string) (snapshot, ok bool) {
	if s == nil || s.Locals == nil {
		return false, false
	}
	snapshot, ok = s.Locals[name]
	return snapshot, ok
}

func (s *Scope) refLevel(name string) (int, bool) {
	if s == nil || s.Refs == nil {
		return 0, false
	}
	lvl, ok := s.Refs[name]
	return lvl, ok
}

func (s *Scope) resolveFunc(name string) (FuncDef, bool) {
	if s == nil || s.Funcs == nil {
		return FuncDef{}, false
	}
	return s.Funcs.Resolve(name)
}

// RunToFixedPoint repeatedly applies a single rewrite pass until it makes
// no further changes, bounded by MaxPasses.
func RunToFixedPoint(n ast.Node, scope *Scope) (ast.Node, error) {
	for i := 0; i < MaxPasses; i++ {
		next, changed, err := Run(n, scope)
		if err != nil {
			return nil, err
		}
		n = next
		if !changed {
			return n, nil
		}
	}
	return nil, diag.New(diag.Reference, "recursion detected while expanding expression")
}

// Coerce wraps n with .val() if it is still snapshot-typed. Tree-transformer
// callers apply this once to the root of a fully fixed-point-expanded
// `.value`/`.read`/`.write` expression, since the root has no surrounding
// node to apply the ordinary in-pass value coercion for it.
func Coerce(n ast.Node) ast.Node {
	if !ast.IsSnapshot(n) {
		return n
	}
	return &ast.Call{Callee: &ast.Member{Object: n, Property: &ast.Ident{Name: "val"}}}
}

// Run performs one rewrite pass over n and reports whether it changed
// anything.
func Run(n ast.Node, scope *Scope) (ast.Node, bool, error) {
	tr := &transformer{scope: scope}
	out, err := tr.transform(n, posCtx{})
	if err != nil {
		return nil, false, err
	}
	return out, tr.changed, nil
}

type posCtx struct {
	callee       bool
	dottedObject bool
}

type transformer struct {
	scope   *Scope
	changed bool
}

func (tr *transformer) transform(n ast.Node, pos posCtx) (ast.Node, error) {
	switch v := n.(type) {
	case *ast.Literal:
		return v, nil
	case *ast.Ident:
		return tr.ident(v, pos)
	case *ast.Member:
		return tr.member(v, pos)
	case *ast.Call:
		return tr.call(v, pos)
	case *ast.Unary:
		arg, err := tr.transform(v.Arg, posCtx{})
		if err != nil {
			return nil, err
		}
		v.Arg = tr.coerce(arg)
		return v, nil
	case *ast.Binary:
		return tr.infix(v.Left, v.Right, func(l, r ast.Node) ast.Node {
			v.Left, v.Right = l, r
			return v
		})
	case *ast.Logical:
		return tr.infix(v.Left, v.Right, func(l, r ast.Node) ast.Node {
			v.Left, v.Right = l, r
			return v
		})
	case *ast.Conditional:
		test, err := tr.transform(v.Test, posCtx{})
		if err != nil {
			return nil, err
		}
		cons, err := tr.transform(v.Cons, posCtx{})
		if err != nil {
			return nil, err
		}
		alt, err := tr.transform(v.Alt, posCtx{})
		if err != nil {
			return nil, err
		}
		v.Test, v.Cons, v.Alt = tr.coerce(test), tr.coerce(cons), tr.coerce(alt)
		return v, nil
	case *ast.Sequence:
		for i, e := range v.Exprs {
			t, err := tr.transform(e, posCtx{})
			if err != nil {
				return nil, err
			}
			v.Exprs[i] = tr.coerce(t)
		}
		return v, nil
	default:
		return n, nil
	}
}

func (tr *transformer) infix(left, right ast.Node, rebuild func(l, r ast.Node) ast.Node) (ast.Node, error) {
	l, err := tr.transform(left, posCtx{})
	if err != nil {
		return nil, err
	}
	r, err := tr.transform(right, posCtx{})
	if err != nil {
		return nil, err
	}
	return rebuild(tr.coerce(l), tr.coerce(r)), nil
}

// coerce wraps a snapshot-typed node escaping into a value context with
// .val(). Called on every position that is not the object of a Member.
func (tr *transformer) coerce(n ast.Node) ast.Node {
	if !ast.IsSnapshot(n) {
		return n
	}
	call := &ast.Call{
		Callee: &ast.Member{Object: n, Property: &ast.Ident{Name: "val"}},
	}
	tr.changed = true
	return call
}

// isLocal reports whether n is an identifier naming an in-scope local
// (wildcard capture or function parameter). A local sitting in a
// computed-member property position is coerced regardless of its own
// classification; see member().
func (tr *transformer) isLocal(n ast.Node) bool {
	ident, ok := n.(*ast.Ident)
	if !ok {
		return false
	}
	_, ok = tr.scope.inScope(ident.Name)
	return ok
}

// forceVal wraps n with .val() unconditionally. Used for a local used as
// the property (index) of a computed member access: a local is otherwise
// left alone and carries no snapshot mark, but spec rule 3 condition (b)
// still applies to it in that one position.
func (tr *transformer) forceVal(n ast.Node) ast.Node {
	tr.changed = true
	return &ast.Call{Callee: &ast.Member{Object: n, Property: &ast.Ident{Name: "val"}}}
}

func (tr *transformer) ident(v *ast.Ident, pos posCtx) (ast.Node, error) {
	name := v.Name

	if builtins.Passthrough[name] || name == builtins.OneOf || name == builtins.Env {
		return v, nil
	}
	if canon, ok := builtins.Alias[name]; ok {
		v.Name = canon
		ast.SetSnapshot(v, true)
		tr.changed = true
		return v, nil
	}
	if builtins.Snapshot[name] {
		ast.SetSnapshot(v, true)
		return v, nil
	}
	if snapshot, ok := tr.scope.inScope(name); ok {
		if snapshot {
			ast.SetSnapshot(v, true)
		}
		return v, nil
	}
	if bindLevel, ok := tr.scope.refLevel(name); ok {
		tr.changed = true
		return tr.expandRef(tr.scope.Level - bindLevel), nil
	}
	if _, ok := tr.scope.resolveFunc(name); ok {
		if pos.callee || pos.dottedObject {
			return v, nil
		}
		tr.changed = true
		return tr.call(&ast.Call{Callee: v}, pos)
	}
	return nil, diag.New(diag.Reference, "unknown reference %q", name)
}

// expandRef builds the <base>.parent().parent()... chain for a ref whose
// binding depth is `count` levels above the current position.
func (tr *transformer) expandRef(count int) ast.Node {
	base := tr.scope.Base
	if base == "" {
		base = "newData"
	}
	var n ast.Node = ast.NewIdent(base, true)
	for i := 0; i < count; i++ {
		call := &ast.Call{Callee: &ast.Member{Object: n, Property: &ast.Ident{Name: "parent"}}}
		ast.SetSnapshot(call, true)
		n = call
	}
	return n
}

func (tr *transformer) member(v *ast.Member, pos posCtx) (ast.Node, error) {
	obj, err := tr.transform(v.Object, posCtx{dottedObject: !v.Computed})
	if err != nil {
		return nil, err
	}
	v.Object = obj

	if ident, ok := obj.(*ast.Ident); ok && ident.Name == builtins.Env {
		return tr.expandEnv(v)
	}

	var keyExpr ast.Node
	if v.Computed {
		prop, err := tr.transform(v.Property, posCtx{})
		if err != nil {
			return nil, err
		}
		if tr.isLocal(prop) {
			prop = tr.forceVal(prop)
		} else {
			prop = tr.coerce(prop)
		}
		v.Property = prop
		keyExpr = prop
	} else {
		keyExpr = ast.String(v.Property.(*ast.Ident).Name)
	}

	if ast.IsSnapshot(obj) && !pos.callee {
		call := &ast.Call{
			Callee: &ast.Member{Object: obj, Property: &ast.Ident{Name: "child"}},
			Args:   []ast.Node{keyExpr},
		}
		ast.SetSnapshot(call, true)
		tr.changed = true
		return call, nil
	}
	return v, nil
}

func (tr *transformer) expandEnv(v *ast.Member) (ast.Node, error) {
	var key string
	if v.Computed {
		lit, ok := v.Property.(*ast.Literal)
		if !ok || lit.Kind != ast.LitString {
			return nil, diag.New(diag.Env, "env[...] requires a literal string key")
		}
		key = lit.Str
	} else {
		key = v.Property.(*ast.Ident).Name
	}
	val, _ := os.LookupEnv(key)
	tr.changed = true
	return ast.String(val), nil
}

func (tr *transformer) call(v *ast.Call, pos posCtx) (ast.Node, error) {
	callee, err := tr.transform(v.Callee, posCtx{callee: true})
	if err != nil {
		return nil, err
	}
	v.Callee = callee

	for i, a := range v.Args {
		t, err := tr.transform(a, posCtx{})
		if err != nil {
			return nil, err
		}
		v.Args[i] = tr.coerce(t)
	}

	if isChildOrParentCallee(callee) {
		ast.SetSnapshot(v, true)
	}

	if isIdentNamed(callee, builtins.OneOf) {
		tr.changed = true
		return tr.expandOneOf(v), nil
	}

	if name, ok := plainCalleeName(callee); ok {
		if def, ok := tr.scope.resolveFunc(name); ok {
			if len(v.Args) != len(def.Params) {
				return nil, diag.New(diag.Arity, "function %q expects %d argument(s), got %d", name, len(def.Params), len(v.Args))
			}
			tr.changed = true
			return inline(def, v.Args), nil
		}
	}

	return v, nil
}

// expandOneOf rewrites oneOf(a, b, c, ...) into
// newData.val() == a || newData.val() == b || ... (left-associated).
func (tr *transformer) expandOneOf(v *ast.Call) ast.Node {
	lhs := func() ast.Node {
		return &ast.Call{Callee: &ast.Member{Object: ast.NewIdent("newData", true), Property: &ast.Ident{Name: "val"}}}
	}
	if len(v.Args) == 0 {
		return ast.Bool(false)
	}
	var result ast.Node = &ast.Binary{Op: "==", Left: lhs(), Right: v.Args[0]}
	for _, arg := range v.Args[1:] {
		result = &ast.Logical{Op: "||", Left: result, Right: &ast.Binary{Op: "==", Left: lhs(), Right: arg}}
	}
	return result
}

// inline clones def's body and substitutes every free occurrence of a
// parameter with a deep clone of the matching argument, so no subtree is
// ever aliased across call sites.
func inline(def FuncDef, args []ast.Node) ast.Node {
	subst := make(map[string]ast.Node, len(def.Params))
	for i, p := range def.Params {
		subst[p] = args[i]
	}
	return substitute(ast.Clone(def.Body), subst)
}

func substitute(n ast.Node, subst map[string]ast.Node) ast.Node {
	switch v := n.(type) {
	case *ast.Ident:
		if repl, ok := subst[v.Name]; ok {
			return ast.Clone(repl)
		}
		return v
	case *ast.Member:
		v.Object = substitute(v.Object, subst)
		if v.Computed {
			v.Property = substitute(v.Property, subst)
		}
		return v
	case *ast.Call:
		v.Callee = substitute(v.Callee, subst)
		for i, a := range v.Args {
			v.Args[i] = substitute(a, subst)
		}
		return v
	case *ast.Unary:
		v.Arg = substitute(v.Arg, subst)
		return v
	case *ast.Binary:
		v.Left, v.Right = substitute(v.Left, subst), substitute(v.Right, subst)
		return v
	case *ast.Logical:
		v.Left, v.Right = substitute(v.Left, subst), substitute(v.Right, subst)
		return v
	case *ast.Conditional:
		v.Test, v.Cons, v.Alt = substitute(v.Test, subst), substitute(v.Cons, subst), substitute(v.Alt, subst)
		return v
	case *ast.Sequence:
		for i, e := range v.Exprs {
			v.Exprs[i] = substitute(e, subst)
		}
		return v
	default:
		return n
	}
}

func isChildOrParentCallee(callee ast.Node) bool {
	switch v := callee.(type) {
	case *ast.Ident:
		return v.Name == "child" || v.Name == "parent"
	case *ast.Member:
		if v.Computed {
			return false
		}
		name := v.Property.(*ast.Ident).Name
		return name == "child" || name == "parent"
	}
	return false
}

func isIdentNamed(n ast.Node, name string) bool {
	ident, ok := n.(*ast.Ident)
	return ok && ident.Name == name
}

// plainCalleeName returns the identifier's name when callee is a bare
// identifier, without resolving it (never when it is a dotted
// method-style call, which always targets a snapshot/value method, not a
// user-defined function).
func plainCalleeName(callee ast.Node) (string, bool) {
	ident, ok := callee.(*ast.Ident)
	if !ok {
		return "", false
	}
	return ident.Name, true
}
