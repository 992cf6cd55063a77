package bplustree

import "bptdb/types"

/*
Erase mirrors insert: top-down with preemptive rebalancing. Before
descending into a child at the half-full boundary, one entry is
borrowed from a sibling with room to spare, or the child is merged
with a sibling (left preferred). When the erased key also appears as
an internal separator, the rightmost leaf of the left subtree supplies
the replacement separator.
*/

// Delete erases key. It reports whether the key existed.
func (t *BPlusTree) Delete(key []byte) (bool, error) {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()

	h := t.dm.Header()
	before := h.KeyNums
	if err := t.eraseNode(t.root, append([]byte(nil), key...)); err != nil {
		return false, err
	}
	// an internal root left with a single child is replaced by it
	if !t.root.leaf && len(t.root.keys) == 1 {
		id := t.root.childs[0]
		child, err := t.toNode(id)
		if err != nil {
			return false, err
		}
		t.table.ReleaseRoot(child)
		oldID := h.RootID
		t.root = child
		if err := t.dm.FreePage(oldID); err != nil {
			return false, err
		}
		h.RootID = id
	}
	return h.KeyNums < before, nil
}

func (t *BPlusTree) eraseNode(r *Node, key []byte) error {
	var precursor *Node
	r.mu.Lock()
	for {
		i := t.search(r, key)
		n := len(r.keys)
		if i == n {
			r.mu.Unlock()
			return nil
		}
		if r.leaf {
			if t.equal(r.keys[i], key) {
				if err := t.freeValue(r.values[i]); err != nil {
					r.mu.Unlock()
					return err
				}
				r.removeAt(i)
				t.touch(r)
				t.dm.Header().KeyNums--
			}
			r.mu.Unlock()
			return nil
		}

		x, err := t.toNode(r.childs[i])
		if err != nil {
			r.mu.Unlock()
			return err
		}
		x.mu.Lock()
		if precursor == nil && t.equal(r.keys[i], key) {
			// the key doubles as this separator; its replacement comes
			// from the rightmost leaf of the subtree we descend into
			precursor, err = t.getPrecursor(x)
			if err != nil {
				x.mu.Unlock()
				r.mu.Unlock()
				return err
			}
		}
		if precursor != nil && len(precursor.keys) >= 2 {
			r.keys[i] = precursor.keys[len(precursor.keys)-2]
			t.touch(r)
		}

		half := int(t.dm.Header().PageSize) / 2
		if x.pageUsed >= half {
			r.mu.Unlock()
			r = x
			continue
		}

		var y, z *Node
		if i-1 >= 0 {
			if y, err = t.toNode(r.childs[i-1]); err != nil {
				x.mu.Unlock()
				r.mu.Unlock()
				return err
			}
			y.mu.Lock()
		}
		if i+1 < len(r.keys) {
			if z, err = t.toNode(r.childs[i+1]); err != nil {
				if y != nil {
					y.mu.Unlock()
				}
				x.mu.Unlock()
				r.mu.Unlock()
				return err
			}
			z.mu.Lock()
		}

		switch {
		case y != nil && y.pageUsed >= half:
			t.borrowFromLeft(r, x, y, i-1)
			y.mu.Unlock()
			if z != nil {
				z.mu.Unlock()
			}
			r.mu.Unlock()
			r = x
		case z != nil && z.pageUsed >= half:
			t.borrowFromRight(r, x, z, i)
			if y != nil {
				y.mu.Unlock()
			}
			z.mu.Unlock()
			r.mu.Unlock()
			r = x
		case y != nil:
			id := r.childs[i-1]
			r.removeAt(i - 1)
			r.childs[i-1] = id
			t.touch(r)
			err = t.merge(y, x)
			x.mu.Unlock()
			if z != nil {
				z.mu.Unlock()
			}
			r.mu.Unlock()
			if err != nil {
				y.mu.Unlock()
				return err
			}
			r = y
		case z != nil:
			id := r.childs[i]
			r.removeAt(i)
			r.childs[i] = id
			t.touch(r)
			err = t.merge(x, z)
			z.mu.Unlock()
			r.mu.Unlock()
			if err != nil {
				x.mu.Unlock()
				return err
			}
			r = x
		default:
			// lone child (a root about to collapse), keep descending
			r.mu.Unlock()
			r = x
		}
	}
}

// getPrecursor walks to the rightmost leaf under x.
func (t *BPlusTree) getPrecursor(x *Node) (*Node, error) {
	for !x.leaf {
		child, err := t.toNode(x.childs[len(x.childs)-1])
		if err != nil {
			return nil, err
		}
		x = child
	}
	return x, nil
}

// borrowFromRight rotates z's first entry into x through the parent
// separator at index i.
func (t *BPlusTree) borrowFromRight(r, x, z *Node, i int) {
	r.keys[i] = z.keys[0]
	x.keys = append(x.keys, z.keys[0])
	if x.leaf {
		x.values = append(x.values, z.values[0])
	} else {
		x.childs = append(x.childs, z.childs[0])
	}
	z.removeAt(0)
	t.touch(r)
	t.touch(x)
	t.touch(z)
}

// borrowFromLeft rotates y's last entry into x; the parent separator at
// index i (y's upper bound) drops to y's new last key.
func (t *BPlusTree) borrowFromLeft(r, x, y *Node, i int) {
	n := len(y.keys)
	x.keys = append([][]byte{y.keys[n-1]}, x.keys...)
	if x.leaf {
		x.values = append([]*Value{y.values[n-1]}, x.values...)
	} else {
		x.childs = append([]types.PageID{y.childs[n-1]}, x.childs...)
	}
	y.removeAt(n - 1)
	r.keys[i] = y.lastKey()
	t.touch(r)
	t.touch(x)
	t.touch(y)
}

// merge folds x (the right sibling) into y and frees x's page.
func (t *BPlusTree) merge(y, x *Node) error {
	h := t.dm.Header()
	xid := t.toPageID(x)
	yid := t.toPageID(y)
	if h.LeafID == xid {
		h.LeafID = yid
	}
	y.keys = append(y.keys, x.keys...)
	if y.leaf {
		y.values = append(y.values, x.values...)
		y.right = x.right
		if x.right > 0 {
			neighbor, err := t.toNode(x.right)
			if err != nil {
				return err
			}
			neighbor.left = yid
			t.touch(neighbor)
		}
	} else {
		y.childs = append(y.childs, x.childs...)
	}
	x.removeFrom(0)
	if err := t.table.FreeNode(x); err != nil {
		return err
	}
	t.touch(y)
	return nil
}
