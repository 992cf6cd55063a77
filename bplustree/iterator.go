package bplustree

import (
	"sync"

	"bptdb/types"
)

// Iterator walks the leaf chain in comparator order. It holds the root
// latch shared for its whole lifetime, so release it promptly with
// Close; structure mutations block until every open iterator is gone.
type Iterator struct {
	tree      *BPlusTree
	pageID    types.PageID
	i         int
	closeOnce sync.Once
}

func (t *BPlusTree) NewIterator() *Iterator {
	t.rootLatch.RLock()
	return &Iterator{tree: t}
}

// Close releases the root latch. Safe to call more than once.
func (it *Iterator) Close() {
	it.closeOnce.Do(func() {
		it.tree.rootLatch.RUnlock()
	})
}

func (it *Iterator) Valid() bool {
	return it.pageID > 0
}

// Seek positions the iterator at key; a missing key invalidates it.
func (it *Iterator) Seek(key []byte) *Iterator {
	id, i, ok := it.tree.findLeaf(key)
	if ok {
		it.pageID = id
		it.i = i
	} else {
		it.pageID = 0
		it.i = 0
	}
	return it
}

// SeekFirst positions at the head of the leaf chain.
func (it *Iterator) SeekFirst() *Iterator {
	h := it.tree.dm.Header()
	if h.KeyNums > 0 {
		it.pageID = h.LeafID
		it.i = 0
		it.skipEmptyForward()
	} else {
		it.pageID = 0
	}
	return it
}

// SeekLast positions at the last key of the rightmost leaf.
func (it *Iterator) SeekLast() *Iterator {
	t := it.tree
	if t.dm.Header().KeyNums == 0 {
		it.pageID = 0
		return it
	}
	x := t.root
	for !x.leaf {
		child, err := t.toNode(x.childs[len(x.childs)-1])
		if err != nil {
			it.pageID = 0
			return it
		}
		x = child
	}
	if len(x.keys) == 0 {
		it.pageID = 0
		return it
	}
	it.pageID = t.toPageID(x)
	it.i = len(x.keys) - 1
	return it
}

func (it *Iterator) Next() *Iterator {
	x, err := it.node()
	if err != nil {
		it.pageID = 0
		return it
	}
	if it.i+1 < len(x.keys) {
		it.i++
		return it
	}
	it.pageID = x.right
	it.i = 0
	it.skipEmptyForward()
	return it
}

func (it *Iterator) Prev() *Iterator {
	x, err := it.node()
	if err != nil {
		it.pageID = 0
		return it
	}
	if it.i-1 >= 0 {
		it.i--
		return it
	}
	for id := x.left; id != 0; {
		prev, err := it.tree.toNode(id)
		if err != nil {
			break
		}
		if len(prev.keys) > 0 {
			it.pageID = id
			it.i = len(prev.keys) - 1
			return it
		}
		id = prev.left
	}
	it.pageID = 0
	return it
}

func (it *Iterator) Key() []byte {
	x, err := it.node()
	if err != nil || it.i >= len(x.keys) {
		return nil
	}
	return append([]byte(nil), x.keys[it.i]...)
}

func (it *Iterator) Value() []byte {
	x, err := it.node()
	if err != nil || it.i >= len(x.values) {
		return nil
	}
	val, err := it.tree.LoadRealValue(x.values[it.i])
	if err != nil {
		return nil
	}
	return val
}

// ValueTrxID returns the xid that wrote the current value.
func (it *Iterator) ValueTrxID() types.TrxID {
	x, err := it.node()
	if err != nil || it.i >= len(x.values) {
		return 0
	}
	return x.values[it.i].TrxID
}

func (it *Iterator) node() (*Node, error) {
	if it.pageID == 0 {
		return nil, types.ErrNotFound
	}
	return it.tree.toNode(it.pageID)
}

// skipEmptyForward hops over leaves without keys.
func (it *Iterator) skipEmptyForward() {
	for it.pageID != 0 {
		x, err := it.tree.toNode(it.pageID)
		if err != nil {
			it.pageID = 0
			return
		}
		if len(x.keys) > 0 {
			return
		}
		it.pageID = x.right
		it.i = 0
	}
}
