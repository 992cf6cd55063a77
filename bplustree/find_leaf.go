package bplustree

import (
	"fmt"

	"bptdb/types"
)

/*
Read path. Descents crab shared latches top-down: latch the chosen
child, then release the parent. Readers hold the root latch shared for
the whole descent, which keeps structure mutations out from under them.
*/

// Get returns the materialized value for key and the xid that last
// wrote it.
func (t *BPlusTree) Get(key []byte) ([]byte, types.TrxID, error) {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.getLocked(key)
}

// getLocked runs the shared descent; the caller holds the root latch.
func (t *BPlusTree) getLocked(key []byte) ([]byte, types.TrxID, error) {
	x := t.root
	x.mu.RLock()
	for !x.leaf {
		i := t.search(x, key)
		if i == len(x.keys) {
			x.mu.RUnlock()
			return nil, 0, types.ErrNotFound
		}
		child, err := t.toNode(x.childs[i])
		if err != nil {
			x.mu.RUnlock()
			return nil, 0, err
		}
		child.mu.RLock()
		x.mu.RUnlock()
		x = child
	}
	i := t.search(x, key)
	if i == len(x.keys) || !t.equal(x.keys[i], key) {
		x.mu.RUnlock()
		return nil, 0, types.ErrNotFound
	}
	v := x.values[i]
	val, err := t.LoadRealValue(v)
	trxID := v.TrxID
	x.mu.RUnlock()
	if err != nil {
		return nil, 0, err
	}
	return val, trxID, nil
}

// findLeaf locates the leaf and index holding key. Used by the
// iterator seek; the caller holds the root latch shared.
func (t *BPlusTree) findLeaf(key []byte) (types.PageID, int, bool) {
	x := t.root
	x.mu.RLock()
	for !x.leaf {
		i := t.search(x, key)
		if i == len(x.keys) {
			x.mu.RUnlock()
			return 0, 0, false
		}
		child, err := t.toNode(x.childs[i])
		if err != nil {
			x.mu.RUnlock()
			return 0, 0, false
		}
		child.mu.RLock()
		x.mu.RUnlock()
		x = child
	}
	i := t.search(x, key)
	ok := i < len(x.keys) && t.equal(x.keys[i], key)
	id := t.toPageID(x)
	x.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return id, i, true
}

// CheckLimit validates the key and value lengths.
func CheckLimit(key, value []byte) error {
	if len(key) == 0 || len(key) > types.MaxKeyLen {
		return fmt.Errorf("%w: key length must be in (0, %d], got %d",
			types.ErrLimitExceeded, types.MaxKeyLen, len(key))
	}
	if uint64(len(value)) > types.MaxValueLen {
		return fmt.Errorf("%w: value length must be at most %d",
			types.ErrLimitExceeded, uint64(types.MaxValueLen))
	}
	return nil
}
