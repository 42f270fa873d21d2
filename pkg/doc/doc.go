// Package doc loads the compiler's input document: a YAML mapping with two
// recognized top-level keys, `functions` and `root`. Unrecognized keys are
// permitted and ignored (YAML-anchor holding areas).
package doc

import (
	"gopkg.in/yaml.v3"

	"github.com/aiseeq/ruleplan/pkg/compiler/diag"
	"github.com/aiseeq/ruleplan/pkg/compiler/funcs"
)

// Document is the decoded input, still in raw *yaml.Node form: functions
// are exposed as parsed Entry pairs, and Root is the rule tree node ready
// for ruletree.TransformBranch.
type Document struct {
	Functions []funcs.Entry
	Root      *yaml.Node
}

// FromNode builds a Document from an already-decoded top-level *yaml.Node.
// Callers decode with yaml.Node only (no custom unmarshalers, no arbitrary
// Go type resolution); compiler.Compile is the sole production caller.
func FromNode(root *yaml.Node) (*Document, error) {
	n := root
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil, diag.New(diag.Structure, "empty document")
		}
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return nil, diag.New(diag.Structure, "document must be a mapping")
	}

	doc := &Document{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i]
		val := n.Content[i+1]
		switch key.Value {
		case "functions":
			entries, err := decodeFunctions(val)
			if err != nil {
				return nil, err
			}
			doc.Functions = entries
		case "root":
			doc.Root = val
		}
	}
	if doc.Root == nil {
		return nil, diag.New(diag.Structure, "document has no root node")
	}
	return doc, nil
}

// decodeFunctions reads the `functions` sequence of single-entry mappings
// into Entry pairs, preserving declaration order.
func decodeFunctions(n *yaml.Node) ([]funcs.Entry, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, diag.New(diag.Structure, "functions must be a sequence")
	}
	entries := make([]funcs.Entry, 0, len(n.Content))
	for _, item := range n.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return nil, diag.New(diag.Structure, "each functions entry must be a single-entry mapping")
		}
		entries = append(entries, funcs.Entry{
			Signature: item.Content[0].Value,
			Body:      item.Content[1].Value,
		})
	}
	return entries, nil
}
