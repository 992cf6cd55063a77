package bplustree

import "bptdb/types"

/*
Write path. Inserts descend top-down with preemptive splits: before
stepping into a child that could overflow, the child is split under the
parent's latch, so the descent never has to walk back up. Mutations
hold the root latch exclusively, which keeps readers and iterators out.
*/

// Put inserts or replaces key with value, written by trxID. The input
// slices are copied.
func (t *BPlusTree) Put(key, value []byte, trxID types.TrxID) error {
	t.rootLatch.Lock()
	defer t.rootLatch.Unlock()

	v := &Value{
		RealLen: uint32(len(value)),
		TrxID:   trxID,
		Val:     append([]byte(nil), value...),
	}
	k := append([]byte(nil), key...)

	r := t.root
	if t.isfull(r, k, v) {
		// the root itself is full: grow a new internal root above it,
		// hand the old root a cached slot under its page id, and split
		h := t.dm.Header()
		newRoot := t.newNode(false)
		newRoot.keys = [][]byte{nil}
		newRoot.childs = []types.PageID{h.RootID}
		t.table.Put(h.RootID, r)
		id, err := t.dm.AllocPage()
		if err != nil {
			return err
		}
		t.root = newRoot
		h.RootID = id
		if err := t.splitChild(newRoot, 0, k); err != nil {
			return err
		}
	}
	return t.insertNode(t.root, k, v)
}

func (t *BPlusTree) insertNode(x *Node, key []byte, v *Value) error {
	x.mu.Lock()
	for {
		i := t.search(x, key)
		n := len(x.keys)
		if x.leaf {
			if i < n && t.equal(x.keys[i], key) {
				if err := t.freeValue(x.values[i]); err != nil {
					x.mu.Unlock()
					return err
				}
				x.values[i] = v
			} else {
				x.insertAt(i, key)
				x.values[i] = v
				h := t.dm.Header()
				// a key below the global minimum moves the leaf-chain head
				if h.KeyNums > 0 {
					first, err := t.toNode(h.LeafID)
					if err != nil {
						x.mu.Unlock()
						return err
					}
					if len(first.keys) > 0 && t.less(key, first.keys[0]) {
						h.LeafID = t.toPageID(x)
					}
				}
				h.KeyNums++
			}
			t.touch(x)
			x.mu.Unlock()
			return nil
		}

		if i == n {
			// key is above this subtree's upper bound, extend it
			i--
			x.keys[i] = append([]byte(nil), key...)
			t.touch(x)
		}
		child, err := t.toNode(x.childs[i])
		if err != nil {
			x.mu.Unlock()
			return err
		}
		child.mu.Lock()
		if t.isfull(child, key, v) {
			child.mu.Unlock()
			if err := t.splitChild(x, i, key); err != nil {
				x.mu.Unlock()
				return err
			}
			if t.less(x.keys[i], key) {
				i++
			}
			child, err = t.toNode(x.childs[i])
			if err != nil {
				x.mu.Unlock()
				return err
			}
			child.mu.Lock()
		}
		x.mu.Unlock()
		x = child
	}
}
