package bplustree

import "bptdb/types"

/*
Node splits default to the middle, which wastes about half of every
leaf under sequential inserts. When the insert lands at the very left
or right end of the key space the split point moves to the insert
point instead:

1) right-insert-point-split
   [1 2 3] (insert 4) -> [3 4]
                        /     \
                     [1 2 3]->[4]
2) left-insert-point-split
   [2 3 4] (insert 1) -> [1 4]
                        /     \
                       [1]->[2 3 4]
*/

func (t *BPlusTree) getSplitType(x *Node, key []byte) int {
	typ := midSplit
	if x.leaf {
		if x.right == 0 && t.less(x.lastKey(), key) {
			typ = rightInsertSplit
		} else if x.left == 0 && t.less(key, x.keys[0]) {
			typ = leftInsertSplit
		}
	}
	return typ
}

// splitChild splits x's i-th child and wires the new sibling plus the
// promoted upper-bound key into x.
func (t *BPlusTree) splitChild(x *Node, i int, key []byte) error {
	y, err := t.toNode(x.childs[i])
	if err != nil {
		return err
	}
	typ := t.getSplitType(y, key)
	z, zid, err := t.splitNode(y, typ)
	if err != nil {
		return err
	}
	n := len(x.keys)
	x.keys = append(x.keys, nil)
	x.childs = append(x.childs, 0)
	for j := n; j > i; j-- {
		x.keys[j] = x.keys[j-1]
		if j > i+1 {
			x.childs[j] = x.childs[j-1]
		}
	}
	if typ == leftInsertSplit {
		x.keys[i] = append([]byte(nil), key...)
	} else {
		x.keys[i] = y.lastKey()
	}
	if n+1 == 2 {
		// fresh root grown by a root split: set the second bound too
		switch typ {
		case midSplit:
			x.keys[1] = z.lastKey()
		case rightInsertSplit:
			x.keys[1] = append([]byte(nil), key...)
		default:
			x.keys[1] = y.lastKey()
		}
	}
	x.childs[i+1] = zid
	if typ == leftInsertSplit {
		x.childs[i], x.childs[i+1] = x.childs[i+1], x.childs[i]
	}
	if z.leaf {
		if err := t.linkLeaf(z, y, typ); err != nil {
			return err
		}
	}
	t.touch(x)
	t.touch(y)
	t.touch(z)
	return nil
}

// splitNode carves the new right sibling out of y. For the insert-point
// split types the sibling starts empty and the descending insert fills
// it; a mid split moves the upper half of y over.
func (t *BPlusTree) splitNode(y *Node, typ int) (*Node, types.PageID, error) {
	z := t.newNode(y.leaf)
	id, err := t.dm.AllocPage()
	if err != nil {
		return nil, 0, err
	}
	t.table.Put(id, z)
	if typ == midSplit {
		n := len(y.keys)
		point := (n + 1) / 2
		z.keys = append(z.keys, y.keys[point:]...)
		if y.leaf {
			z.values = append(z.values, y.values[point:]...)
		} else {
			z.childs = append(z.childs, y.childs[point:]...)
		}
		y.removeFrom(point)
	}
	return z, id, nil
}

// linkLeaf splices the new leaf z next to y in the doubly linked leaf
// chain.
func (t *BPlusTree) linkLeaf(z, y *Node, typ int) error {
	zid := t.toPageID(z)
	yid := t.toPageID(y)
	if typ == leftInsertSplit { // [z y]
		z.right = yid
		z.left = y.left
		if y.left > 0 {
			r, err := t.toNode(y.left)
			if err != nil {
				return err
			}
			r.right = zid
			t.touch(r)
		}
		y.left = zid
	} else { // [y z]
		z.left = yid
		z.right = y.right
		if y.right > 0 {
			r, err := t.toNode(y.right)
			if err != nil {
				return err
			}
			r.left = zid
			t.touch(r)
		}
		y.right = zid
	}
	z.dirty = true
	y.dirty = true
	return nil
}
