// Package ruletree walks the decoded YAML rule hierarchy and emits the
// canonical realtime-database rules tree, plus a parallel firecrypt
// encryption-annotation tree.
package ruletree

import (
	"fmt"
	"regexp"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/aiseeq/ruleplan/pkg/compiler/builtins"
	"github.com/aiseeq/ruleplan/pkg/compiler/diag"
	"github.com/aiseeq/ruleplan/pkg/compiler/transform"
	"github.com/aiseeq/ruleplan/pkg/lang/ast"
	"github.com/aiseeq/ruleplan/pkg/lang/parser"
)

// Node is an emitted rules/firecrypt tree node: an insertion-order
// preserving mapping, so ".read"/".write"/".validate"/".indexOn" and child
// keys serialize in the order a hand-authored rules file would use, and so
// hasChildren/.indexOn argument order matches source encounter order.
type Node = orderedmap.OrderedMap[string, any]

func newNode() *Node { return orderedmap.New[string, any]() }

// Scope is the lexical context threaded through the recursive descent:
// in-scope wildcard names (never snapshot-typed, per the leave-alone rule;
// see transform.member's isLocal check for their one special-cased
// position), ref bindings mapped to the tree depth they were introduced
// at, and the function table used to resolve calls while compiling
// expressions.
type Scope struct {
	Locals map[string]bool
	Refs   map[string]int
	Funcs  transform.Resolver
}

// NewScope returns an empty root scope bound to the given function table.
func NewScope(funcs transform.Resolver) *Scope {
	return &Scope{Locals: map[string]bool{}, Refs: map[string]int{}, Funcs: funcs}
}

// withLocal binds name (a wildcard capture) as an in-scope local. Per the
// leave-alone rule a local is never snapshot-typed on its own; it is only
// coerced with .val() when it sits in a computed-member property position
// (handled in transform.member via isLocal), independent of this flag.
func (s *Scope) withLocal(name string) *Scope {
	locals := make(map[string]bool, len(s.Locals)+1)
	for k, v := range s.Locals {
		locals[k] = v
	}
	locals[name] = false
	cp := *s
	cp.Locals = locals
	return &cp
}

func (s *Scope) withRef(name string, level int) *Scope {
	refs := make(map[string]int, len(s.Refs)+1)
	for k, v := range s.Refs {
		refs[k] = v
	}
	refs[name] = level
	cp := *s
	cp.Refs = refs
	return &cp
}

// compileExpr parses and fully expands src under this scope, with the
// given snapshot base ("newData" inside .value/.write, "data" inside
// .read) and the tree depth of the node the expression belongs to (used to
// compute a ref's bind-relative parent-chain length), returning the
// canonical serialized text.
func (s *Scope) compileExpr(src, base, path string, level int) (string, error) {
	n, err := parser.Parse(src)
	if err != nil {
		return "", diag.Wrap(diag.Syntax, err, "parsing expression").InExpr(src).AtPath(path)
	}
	tscope := &transform.Scope{Locals: s.Locals, Refs: s.Refs, Level: level, Base: base, Funcs: s.Funcs}
	out, err := transform.RunToFixedPoint(n, tscope)
	if err != nil {
		if de, ok := err.(*diag.Error); ok {
			return "", de.InExpr(src).AtPath(path)
		}
		return "", diag.Wrap(diag.Reference, err, "expanding expression").InExpr(src).AtPath(path)
	}
	return ast.Print(transform.Coerce(out)), nil
}

type kv struct {
	key string
	val *yaml.Node
}

func deref(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func mappingPairs(n *yaml.Node, path string) ([]kv, error) {
	if n.Kind != yaml.MappingNode {
		return nil, diag.New(diag.Structure, "expected a mapping").AtPath(path)
	}
	pairs := make([]kv, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		pairs = append(pairs, kv{key: n.Content[i].Value, val: deref(n.Content[i+1])})
	}
	return pairs, nil
}

var keywordTokenRe = regexp.MustCompile(`^\s*(required|indexed|encrypted)(\[([^\]]*)\])?`)

// keywords is the parsed leading keyword prefix of a `.value`/child-value
// string: any combination of required, indexed, and encrypted[pattern].
type keywords struct {
	Required       bool
	Indexed        bool
	Encrypted      bool
	EncryptPattern string
}

// parseKeywordPrefix strips a leading `(required|indexed|encrypted(\[...\])?)`
// sequence from raw, returning the parsed keyword set and the remaining
// text. Always operates on a fresh copy of raw's remaining suffix, so a
// match against one key's text can never leak state into another's.
func parseKeywordPrefix(raw string) (keywords, string, error) {
	var kws keywords
	seen := map[string]bool{}
	text := raw
	for {
		m := keywordTokenRe.FindStringSubmatchIndex(text)
		if m == nil {
			break
		}
		kw := text[m[2]:m[3]]
		if seen[kw] {
			return kws, "", diag.New(diag.Structure, "duplicated keyword %q", kw)
		}
		seen[kw] = true
		switch kw {
		case "required":
			kws.Required = true
		case "indexed":
			kws.Indexed = true
		case "encrypted":
			kws.Encrypted = true
			if m[6] != -1 {
				kws.EncryptPattern = text[m[6]:m[7]]
			} else {
				kws.EncryptPattern = "#"
			}
		}
		text = text[m[1]:]
	}
	return kws, strings.TrimSpace(text), nil
}

var encryptedSuffixRe = regexp.MustCompile(`/encrypted(\[([^\]]*)\])?$`)

// keySuffix is the parsed trailing /encrypted[...] and/or /few annotation
// on a raw child key. Each strip operates on the current trailing slice of
// base, never on raw itself, guarding against any cross-key state leakage.
type keySuffix struct {
	Few        bool
	Encrypted  bool
	EncryptKey string
}

func stripKeySuffix(raw string) (base string, suf keySuffix) {
	base = raw
	for i := 0; i < 2; i++ {
		if strings.HasSuffix(base, "/few") {
			suf.Few = true
			base = strings.TrimSuffix(base, "/few")
			continue
		}
		if m := encryptedSuffixRe.FindStringSubmatchIndex(base); m != nil {
			suf.Encrypted = true
			if m[4] != -1 {
				suf.EncryptKey = base[m[4]:m[5]]
			} else {
				suf.EncryptKey = "#"
			}
			base = base[:m[0]]
			continue
		}
		break
	}
	return base, suf
}

// valuePeek returns the scalar text used for keyword-prefix inspection of a
// child: the node itself if scalar, or its `.value` entry if it has one.
func valuePeek(n *yaml.Node) (string, bool) {
	n = deref(n)
	if n.Kind == yaml.ScalarNode {
		return n.Value, true
	}
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == ".value" {
				return deref(n.Content[i+1]).Value, true
			}
		}
	}
	return "", false
}

func validateRefName(name string, scope *Scope) error {
	if strings.HasPrefix(name, "$") {
		return diag.New(diag.Structure, "ref name %q cannot be a wildcard", name)
	}
	if builtins.Reserved[name] {
		return diag.New(diag.Structure, "ref name %q shadows a built-in name", name)
	}
	if _, ok := scope.Locals[name]; ok {
		return diag.New(diag.Structure, "ref name %q is already in scope", name)
	}
	if _, ok := scope.Refs[name]; ok {
		return diag.New(diag.Structure, "ref name %q is already in scope", name)
	}
	return nil
}

func quoteList(keys []string) string {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = "'" + strings.ReplaceAll(k, "'", `\'`) + "'"
	}
	return strings.Join(quoted, ", ")
}

// TransformBranch compiles one rule node (and, recursively, its subtree)
// into its rules-tree JSON representation.
func TransformBranch(node *yaml.Node, scope *Scope, path string, level int) (*Node, error) {
	node = deref(node)

	var pairs []kv
	switch node.Kind {
	case yaml.ScalarNode:
		pairs = []kv{{key: ".value", val: node}}
	case yaml.MappingNode:
		var err error
		pairs, err = mappingPairs(node, path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, diag.New(diag.Structure, "rule node must be a scalar or mapping").AtPath(path)
	}

	for _, p := range pairs {
		if p.key == ".ref" {
			name := p.val.Value
			if err := validateRefName(name, scope); err != nil {
				return nil, err.(*diag.Error).AtPath(path)
			}
			scope = scope.withRef(name, level)
			break
		}
	}

	var (
		haveValue, haveRead, haveWrite, haveReadWrite, haveMore bool
		compiledValue, compiledRead, compiledWrite              string
		moreAllowed, moreVal                                    bool
		children                                                []kv
	)

	for _, p := range pairs {
		switch p.key {
		case ".ref":
			// handled above
		case ".value":
			_, rest, err := parseKeywordPrefix(p.val.Value)
			if err != nil {
				return nil, err.(*diag.Error).AtPath(path)
			}
			if rest == "any" {
				moreAllowed = true
			} else {
				c, err := scope.compileExpr(rest, "newData", path, level)
				if err != nil {
					return nil, err
				}
				compiledValue, haveValue = c, true
			}
		case ".write":
			c, err := scope.compileExpr(p.val.Value, "newData", path, level)
			if err != nil {
				return nil, err
			}
			compiledWrite, haveWrite = c, true
		case ".read":
			c, err := scope.compileExpr(p.val.Value, "data", path, level)
			if err != nil {
				return nil, err
			}
			compiledRead, haveRead = c, true
		case ".read/write":
			haveReadWrite = true
			cw, err := scope.compileExpr(p.val.Value, "newData", path, level)
			if err != nil {
				return nil, err
			}
			cr, err := scope.compileExpr(p.val.Value, "data", path, level)
			if err != nil {
				return nil, err
			}
			compiledWrite, compiledRead = cw, cr
		case ".more":
			haveMore = true
			moreVal = p.val.Value == "true"
		default:
			if strings.HasPrefix(p.key, ".") {
				return nil, diag.New(diag.Structure, "unknown control key %q", p.key).AtPath(path)
			}
			children = append(children, p)
		}
	}

	if haveReadWrite && (haveRead || haveWrite) {
		return nil, diag.New(diag.Structure, "conflicting .read/write with .read or .write").AtPath(path)
	}
	if haveReadWrite {
		haveRead, haveWrite = true, true
	}

	type builtChild struct {
		key  string
		node *Node
	}

	var (
		requiredChildren     []string
		indexOn              []string
		indexedGrandChildren []string
		hasWildcard          bool
		builtChildren        []builtChild
	)

	for _, c := range children {
		base, suf := stripKeySuffix(c.key)
		if strings.HasPrefix(base, ".") {
			return nil, diag.New(diag.Structure, "unknown control key %q", base).AtPath(path)
		}
		isWildcard := strings.HasPrefix(base, "$")

		if suf.Few && !isWildcard {
			return nil, diag.New(diag.Structure, "/few is only legal on a wildcard key %q", c.key).AtPath(path)
		}
		if isWildcard {
			if hasWildcard {
				return nil, diag.New(diag.Structure, "more than one wildcard key at %q", path).AtPath(path)
			}
			hasWildcard = true
		}

		var encryptValuePattern string
		haveEncryptValue := false
		if text, ok := valuePeek(c.val); ok {
			kws, _, err := parseKeywordPrefix(text)
			if err != nil {
				return nil, err.(*diag.Error).AtPath(path + "/" + base)
			}
			if kws.Required {
				if isWildcard {
					return nil, diag.New(diag.Structure, "required is not allowed on wildcard key %q", c.key).AtPath(path)
				}
				requiredChildren = append(requiredChildren, base)
			}
			if kws.Indexed {
				if isWildcard {
					indexOn = append(indexOn, ".value")
				} else {
					indexedGrandChildren = append(indexedGrandChildren, base)
				}
			}
			if kws.Encrypted {
				encryptValuePattern = kws.EncryptPattern
				haveEncryptValue = true
			}
		}

		childScope := scope
		if isWildcard {
			childScope = scope.withLocal(base)
		}
		childJSON, err := TransformBranch(c.val, childScope, path+"/"+base, level+1)
		if err != nil {
			return nil, err
		}

		if haveEncryptValue || suf.Encrypted || suf.Few {
			enc := newNode()
			if haveEncryptValue {
				enc.Set("value", encryptValuePattern)
			}
			if suf.Encrypted {
				enc.Set("key", suf.EncryptKey)
			}
			if suf.Few {
				enc.Set("few", true)
			}
			childJSON.Set(".encrypt", enc)
		}

		if raw, ok := childJSON.Get(".indexChildrenOn"); ok {
			entries, _ := raw.([]string)
			if isWildcard {
				indexOn = append(indexOn, entries...)
			} else {
				for _, e := range entries {
					indexedGrandChildren = append(indexedGrandChildren, base+"/"+e)
				}
			}
			childJSON.Delete(".indexChildrenOn")
		}

		builtChildren = append(builtChildren, builtChild{key: base, node: childJSON})
	}

	out := newNode()

	if haveRead {
		out.Set(".read", compiledRead)
	}
	if haveWrite {
		out.Set(".write", compiledWrite)
	}

	var validateParts []string
	if haveValue {
		validateParts = append(validateParts, compiledValue)
	}
	if len(requiredChildren) > 0 {
		validateParts = append(validateParts, fmt.Sprintf("newData.hasChildren([%s])", quoteList(requiredChildren)))
	}
	if len(validateParts) > 0 {
		out.Set(".validate", strings.Join(validateParts, " && "))
	}

	if len(indexOn) > 0 {
		out.Set(".indexOn", indexOn)
	}
	if len(indexedGrandChildren) > 0 {
		out.Set(".indexChildrenOn", indexedGrandChildren)
	}

	for _, bc := range builtChildren {
		out.Set(bc.key, bc.node)
	}

	if !(haveMore && moreVal) && !hasWildcard && !moreAllowed {
		other := newNode()
		other.Set(".validate", false)
		out.Set("$other", other)
	}

	return out, nil
}
