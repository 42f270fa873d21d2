// Package builtins holds the fixed set of reserved identifiers the
// compiler treats specially, shared by function-table construction (to
// reject shadowing) and the AST transformer (to classify identifiers).
package builtins

// Reserved is the full built-in identifier set function parameters must
// not shadow: {auth, now, root, next, newData, prev, data, env, query}.
var Reserved = map[string]bool{
	"auth":    true,
	"now":     true,
	"root":    true,
	"next":    true,
	"newData": true,
	"prev":    true,
	"data":    true,
	"env":     true,
	"query":   true,
}

// Passthrough identifiers carry a plain value and are never snapshot-typed.
var Passthrough = map[string]bool{
	"auth":  true,
	"now":   true,
	"query": true,
}

// Alias maps a source-level name to its canonical snapshot identifier:
// next -> newData (the just-written value), prev -> data (the prior value).
var Alias = map[string]string{
	"next": "newData",
	"prev": "data",
}

// Snapshot identifiers are always marked snapshot-typed once resolved
// through Alias (root, newData, data).
var Snapshot = map[string]bool{
	"root":    true,
	"newData": true,
	"data":    true,
}

// OneOf is the built-in n-ary equality-disjunction predicate name.
const OneOf = "oneOf"

// Env is the compile-time environment object name.
const Env = "env"
