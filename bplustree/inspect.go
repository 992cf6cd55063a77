// Tree inspection for debugging and tests.
// Use Dump(w) for a human-readable BFS dump and CheckIntegrity for the
// structural invariants.

package bplustree

import (
	"fmt"
	"io"

	"bptdb/types"
)

// Dump writes a level-by-level dump of the tree to w.
func (t *BPlusTree) Dump(w io.Writer) error {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()

	p := func(format string, args ...interface{}) { fmt.Fprintf(w, format, args...) }
	h := t.dm.Header()
	p("root=%d leaf=%d keys=%d free_pages=%d over_pages=%d\n",
		h.RootID, h.LeafID, h.KeyNums, h.FreePages, h.OverPages)

	type item struct {
		id   types.PageID
		node *Node
	}
	queue := []item{{h.RootID, t.root}}
	level := 0
	for len(queue) > 0 {
		size := len(queue)
		p("Level %d:\n", level)
		for _, it := range queue[:size] {
			x := it.node
			if x.leaf {
				p("  [page %d] LEAF keys=%d left=%d right=%d\n", it.id, len(x.keys), x.left, x.right)
				for j, key := range x.keys {
					p("    %q len=%d\n", key, x.values[j].RealLen)
				}
			} else {
				p("  [page %d] INTERNAL keys=%d\n", it.id, len(x.keys))
				for j, key := range x.keys {
					p("    %q -> page %d\n", key, x.childs[j])
					child, err := t.toNode(x.childs[j])
					if err != nil {
						return err
					}
					queue = append(queue, item{x.childs[j], child})
				}
			}
		}
		queue = queue[size:]
		level++
	}
	return nil
}

// CheckIntegrity walks the whole tree and verifies the structural
// invariants: key/child and key/value parity, strict key ordering,
// separator keys equal to subtree maxima, and a leaf chain that yields
// exactly header.key_nums keys in order.
func (t *BPlusTree) CheckIntegrity() error {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()

	if _, err := t.checkNode(t.root); err != nil {
		return err
	}

	// leaf chain traversal must agree with the key count
	h := t.dm.Header()
	var count uint64
	var prev []byte
	id := h.LeafID
	for id != 0 {
		x, err := t.toNode(id)
		if err != nil {
			return err
		}
		if !x.leaf {
			return fmt.Errorf("leaf chain reached non-leaf page %d", id)
		}
		for _, key := range x.keys {
			if prev != nil && t.cmp(prev, key) >= 0 {
				return fmt.Errorf("leaf chain out of order at %q", key)
			}
			prev = key
			count++
		}
		id = x.right
	}
	if count != h.KeyNums {
		return fmt.Errorf("leaf chain has %d keys, header says %d", count, h.KeyNums)
	}
	return nil
}

// checkNode validates one subtree and returns its maximum key.
func (t *BPlusTree) checkNode(x *Node) ([]byte, error) {
	if x.leaf {
		if len(x.keys) != len(x.values) {
			return nil, fmt.Errorf("leaf has %d keys but %d values", len(x.keys), len(x.values))
		}
	} else {
		if len(x.keys) != len(x.childs) {
			return nil, fmt.Errorf("internal has %d keys but %d children", len(x.keys), len(x.childs))
		}
		if len(x.keys) == 0 {
			return nil, fmt.Errorf("internal node without children")
		}
	}
	for i := 1; i < len(x.keys); i++ {
		if t.cmp(x.keys[i-1], x.keys[i]) >= 0 {
			return nil, fmt.Errorf("keys out of order at index %d", i)
		}
	}
	if x.leaf {
		if len(x.keys) == 0 {
			return nil, nil
		}
		return x.lastKey(), nil
	}
	for i, child := range x.childs {
		c, err := t.toNode(child)
		if err != nil {
			return nil, err
		}
		maxKey, err := t.checkNode(c)
		if err != nil {
			return nil, err
		}
		if maxKey != nil && !t.equal(maxKey, x.keys[i]) {
			return nil, fmt.Errorf("separator %q does not match subtree max %q", x.keys[i], maxKey)
		}
	}
	return x.lastKey(), nil
}

// Stats is a point-in-time snapshot of tree-level counters.
type Stats struct {
	KeyNums     uint64
	CachedNodes int
	FreePages   uint64
	OverPages   uint64
}

func (t *BPlusTree) Stats() Stats {
	h := t.dm.Header()
	return Stats{
		KeyNums:     h.KeyNums,
		CachedNodes: t.table.CachedNodes(),
		FreePages:   h.FreePages,
		OverPages:   h.OverPages,
	}
}
