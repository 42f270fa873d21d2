package transform

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiseeq/ruleplan/pkg/lang/ast"
	"github.com/aiseeq/ruleplan/pkg/lang/parser"
)

// expand mirrors ruletree.compileExpr's own sequence: fixed-point expansion
// followed by the one-time root Coerce, since the root of a full expression
// has no surrounding node to trigger the ordinary in-pass coercion.
func expand(t *testing.T, src string, scope *Scope) string {
	t.Helper()
	n, err := parser.Parse(src)
	require.NoError(t, err)
	out, err := RunToFixedPoint(n, scope)
	require.NoError(t, err)
	return ast.Print(Coerce(out))
}

func TestIdentifierAliasAndSnapshot(t *testing.T) {
	scope := &Scope{Base: "newData"}
	assert.Equal(t, "newData.val()", expand(t, "next", scope))
	assert.Equal(t, "data.val()", expand(t, "prev", scope))
	assert.Equal(t, "root.val()", expand(t, "root", scope))
}

func TestSnapshotMemberLift(t *testing.T) {
	assert.Equal(t, "data.child('foo').child($bar.val()).val()", expand(t, "data.foo[$bar]", &Scope{
		Base:   "newData",
		Locals: map[string]bool{"$bar": true},
	}))
}

func TestSnapshotMethodCallNotLifted(t *testing.T) {
	scope := &Scope{Base: "newData"}
	assert.Equal(t, "data.exists()", expand(t, "data.exists()", scope))
}

func TestEnvExpansion(t *testing.T) {
	require.NoError(t, os.Setenv("RULEPLAN_TEST_VAR", "secret"))
	defer os.Unsetenv("RULEPLAN_TEST_VAR")
	scope := &Scope{Base: "newData"}
	assert.Equal(t, "'secret'", expand(t, "env.RULEPLAN_TEST_VAR", scope))
	assert.Equal(t, "'secret'", expand(t, "env['RULEPLAN_TEST_VAR']", scope))
}

func TestEnvExpansionMissingDefaultsEmpty(t *testing.T) {
	os.Unsetenv("RULEPLAN_TEST_MISSING")
	scope := &Scope{Base: "newData"}
	assert.Equal(t, "''", expand(t, "env.RULEPLAN_TEST_MISSING", scope))
}

func TestOneOfExpansion(t *testing.T) {
	scope := &Scope{Base: "newData"}
	assert.Equal(t, "newData.val() == 'a' || newData.val() == 'b'", expand(t, "oneOf('a', 'b')", scope))
}

func TestRefExpansion(t *testing.T) {
	// current level 3, ref bound at level 1 -> 2 .parent() calls
	got := expandRefString(t, "post", 1, 3)
	assert.Equal(t, "newData.parent().parent()", got)
}

func expandRefString(t *testing.T, name string, refLevel, currentLevel int) string {
	t.Helper()
	tr := &transformer{scope: &Scope{Base: "newData"}}
	return ast.Print(tr.expandRef(currentLevel - refLevel))
}

func TestUnknownReferenceFails(t *testing.T) {
	scope := &Scope{Base: "newData"}
	n, err := parser.Parse("bogus")
	require.NoError(t, err)
	_, _, err = Run(n, scope)
	require.Error(t, err)
}

func TestCoerceWrapsSnapshotRoot(t *testing.T) {
	n := ast.NewIdent("data", true)
	assert.Equal(t, "data.val()", ast.Print(Coerce(n)))
}

func TestCoerceLeavesNonSnapshotRoot(t *testing.T) {
	n := ast.Bool(true)
	assert.Equal(t, "true", ast.Print(Coerce(n)))
}

func TestFunctionInlining(t *testing.T) {
	funcs := &stubResolver{defs: map[string]FuncDef{
		"number": {Body: mustNode(t, "next.isNumber()")},
	}}
	body, err := parser.Parse("number && next >= 0 && next <= 100")
	require.NoError(t, err)
	body, err = RunToFixedPoint(body, &Scope{Base: "newData", Funcs: funcs})
	require.NoError(t, err)
	funcs.defs["percentage"] = FuncDef{Body: body}

	out := expand(t, "percentage()", &Scope{Base: "newData", Funcs: funcs})
	assert.Equal(t, "newData.isNumber() && newData.val() >= 0 && newData.val() <= 100", out)
}

func TestFunctionCallSugar(t *testing.T) {
	funcs := &stubResolver{defs: map[string]FuncDef{
		"flag": {Body: mustNode(t, "true")},
	}}
	out := expand(t, "flag", &Scope{Base: "newData", Funcs: funcs})
	assert.Equal(t, "true", out)
}

func TestFunctionArityMismatch(t *testing.T) {
	funcs := &stubResolver{defs: map[string]FuncDef{
		"between": {Params: []string{"lo", "hi"}, Body: mustNode(t, "true")},
	}}
	n, err := parser.Parse("between(1)")
	require.NoError(t, err)
	_, err = RunToFixedPoint(n, &Scope{Base: "newData", Funcs: funcs})
	require.Error(t, err)
}

func mustNode(t *testing.T, src string) ast.Node {
	t.Helper()
	n, err := parser.Parse(src)
	require.NoError(t, err)
	return n
}

type stubResolver struct {
	defs map[string]FuncDef
}

func (s *stubResolver) Resolve(name string) (FuncDef, bool) {
	d, ok := s.defs[name]
	return d, ok
}
