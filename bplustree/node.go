package bplustree

import "bptdb/types"

// recompute rebuilds the byte-used accounting from the node contents.
func (x *Node) recompute(overValue int) {
	used := types.TypeField + types.KeyNumsField
	for _, key := range x.keys {
		used += types.KeyLenField + len(key)
	}
	if x.leaf {
		for _, v := range x.values {
			used += types.ValueLenField + types.TrxIDField + min(overValue, int(v.RealLen))
		}
		used += 2 * types.PageIDField
	} else {
		used += types.PageIDField * len(x.childs)
	}
	x.pageUsed = used
}

func (x *Node) lastKey() []byte {
	return x.keys[len(x.keys)-1]
}

// insertAt makes room at index i for one entry. The caller fills the
// slot and then calls touch.
func (x *Node) insertAt(i int, key []byte) {
	x.keys = append(x.keys, nil)
	copy(x.keys[i+1:], x.keys[i:])
	x.keys[i] = key
	if x.leaf {
		x.values = append(x.values, nil)
		copy(x.values[i+1:], x.values[i:])
		x.values[i] = nil
	} else {
		x.childs = append(x.childs, 0)
		copy(x.childs[i+1:], x.childs[i:])
		x.childs[i] = 0
	}
}

// removeAt drops the entry at index i (key plus value or child).
func (x *Node) removeAt(i int) {
	x.keys = append(x.keys[:i], x.keys[i+1:]...)
	if x.leaf {
		x.values = append(x.values[:i], x.values[i+1:]...)
	} else {
		x.childs = append(x.childs[:i], x.childs[i+1:]...)
	}
}

// removeFrom truncates the node at index from.
func (x *Node) removeFrom(from int) {
	x.keys = x.keys[:from]
	if x.leaf {
		x.values = x.values[:from]
	} else {
		x.childs = x.childs[:from]
	}
}

// Leaf reports whether the node is a leaf. Used by the inspector.
func (x *Node) Leaf() bool { return x.leaf }

// KeyCount returns the number of keys in the node.
func (x *Node) KeyCount() int { return len(x.keys) }
