package ruletree

// ExtractEncrypt deep-copies rules into a parallel tree retaining only
// paths that lead to a ".encrypt" leaf, then strips ".encrypt" from rules
// in place. Reports ok=false when nothing was found, so the driver can
// omit the firecrypt file entirely.
func ExtractEncrypt(rules *Node) (*Node, bool) {
	out, found := extractNode(rules)
	if !found {
		return nil, false
	}
	return out, true
}

func extractNode(n *Node) (*Node, bool) {
	out := newNode()
	found := false

	if enc, ok := n.Get(".encrypt"); ok {
		out.Set(".encrypt", enc)
		n.Delete(".encrypt")
		found = true
	}

	for key, value := range n.FromOldest() {
		child, ok := value.(*Node)
		if !ok {
			continue
		}
		childOut, childFound := extractNode(child)
		if childFound {
			out.Set(key, childOut)
			found = true
		}
	}

	return out, found
}
