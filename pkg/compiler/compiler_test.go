package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/aiseeq/ruleplan/pkg/compiler/ruletree"
)

func compile(t *testing.T, src string) *Result {
	t.Helper()
	var root yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &root))
	result, err := Compile(&root)
	require.NoError(t, err)
	return result
}

func getStr(t *testing.T, n *ruletree.Node, key string) string {
	t.Helper()
	v, ok := n.Get(key)
	require.Truef(t, ok, "missing key %q", key)
	return v.(string)
}

func getNode(t *testing.T, n *ruletree.Node, key string) *ruletree.Node {
	t.Helper()
	v, ok := n.Get(key)
	require.Truef(t, ok, "missing key %q", key)
	return v.(*ruletree.Node)
}

// Scenario 1: foo: "string" -> $other closes both foo and root.
func TestScenarioStringLeaf(t *testing.T) {
	result := compile(t, `
root:
  foo: "string"
`)
	foo := getNode(t, result.Rules, "foo")
	assert.Equal(t, "newData.isString()", getStr(t, foo, ".validate"))
	_, ok := foo.Get("$other")
	assert.True(t, ok)
	_, ok = result.Rules.Get("$other")
	assert.True(t, ok)
}

// Scenario 2: required function composes hasChildren synthesis at the parent.
func TestScenarioRequiredFunction(t *testing.T) {
	result := compile(t, `
functions:
  - percentage: "number && next >= 0 && next <= 100"
root:
  v: "required percentage"
`)
	v := getNode(t, result.Rules, "v")
	assert.Equal(t, "newData.isNumber() && newData.val() >= 0 && newData.val() <= 100", getStr(t, v, ".validate"))
	assert.Equal(t, "newData.hasChildren(['v'])", getStr(t, result.Rules, ".validate"))
}

// Scenario 3: .read/write splits into equal .read/.write and suppresses $other.
func TestScenarioReadWriteWildcard(t *testing.T) {
	result := compile(t, `
root:
  "$uid":
    .read/write: "auth.uid == $uid"
`)
	uid := getNode(t, result.Rules, "$uid")
	assert.Equal(t, "auth.uid == $uid", getStr(t, uid, ".read"))
	assert.Equal(t, "auth.uid == $uid", getStr(t, uid, ".write"))
	_, ok := result.Rules.Get("$other")
	assert.False(t, ok)
}

// Scenario 4: data.foo[$bar] lifts to a .child chain ending in .val().
func TestScenarioSnapshotMemberLift(t *testing.T) {
	result := compile(t, `
root:
  "$bar":
    x: "data.foo[$bar]"
`)
	bar := getNode(t, result.Rules, "$bar")
	x := getNode(t, bar, "x")
	assert.Equal(t, "data.child('foo').child($bar.val()).val()", getStr(t, x, ".validate"))
}

// A .ref bound at root expands, two levels deeper, to exactly two
// .parent() calls.
func TestScenarioRefExpandsAtBindRelativeDepth(t *testing.T) {
	result := compile(t, `
root:
  .ref: "post"
  "$commentId":
    author: "post.owner"
`)
	commentID := getNode(t, result.Rules, "$commentId")
	author := getNode(t, commentID, "author")
	assert.Equal(t, "newData.parent().parent().child('owner').val()", getStr(t, author, ".validate"))
}

// Scenario 5: oneOf expands to a disjunction of equalities.
func TestScenarioOneOfExpansion(t *testing.T) {
	result := compile(t, `
root:
  x: "oneOf('a','b')"
`)
	x := getNode(t, result.Rules, "x")
	assert.Equal(t, "newData.val() == 'a' || newData.val() == 'b'", getStr(t, x, ".validate"))
}

// Scenario 6: combined value-text and key-suffix encryption annotations
// extract into firecrypt and are stripped from rules.
func TestScenarioFirecryptExtraction(t *testing.T) {
	result := compile(t, `
root:
  secret:
    .value: "encrypted[#-#-.] string"
  other/encrypted: "string"
`)
	require.NotNil(t, result.Firecrypt)

	secret := getNode(t, result.Firecrypt, "secret")
	enc := getNode(t, secret, ".encrypt")
	v, ok := enc.Get("value")
	require.True(t, ok)
	assert.Equal(t, "#-#-.", v)

	other := getNode(t, result.Firecrypt, "other")
	otherEnc := getNode(t, other, ".encrypt")
	k, ok := otherEnc.Get("key")
	require.True(t, ok)
	assert.Equal(t, "#", k)

	rulesSecret := getNode(t, result.Rules, "secret")
	_, hasEnc := rulesSecret.Get(".encrypt")
	assert.False(t, hasEnc)
	rulesOther := getNode(t, result.Rules, "other")
	_, hasEnc = rulesOther.Get(".encrypt")
	assert.False(t, hasEnc)
}

// Scenario 7: mutually recursive functions fail with a recursion error, not a hang.
func TestScenarioMutualRecursionFails(t *testing.T) {
	var root yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(`
functions:
  - a: "b()"
  - b: "a()"
root:
  x: "a()"
`), &root))
	_, err := Compile(&root)
	require.Error(t, err)
}

func TestScenarioNoFirecryptWhenNothingEncrypted(t *testing.T) {
	result := compile(t, `
root:
  foo: "string"
`)
	assert.Nil(t, result.Firecrypt)
}

func TestDanglingDeepIndexAtRootFails(t *testing.T) {
	var root yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(`
root:
  title: "indexed string"
`), &root))
	_, err := Compile(&root)
	require.Error(t, err)
}
