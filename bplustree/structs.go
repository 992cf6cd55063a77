// Structure of the on-disk B+ tree
/*
Tree
 ├── Internal Node (keys + child page ids)
 │      └── Child Internal Nodes ...
 │             └── Leaf Nodes (keys + values, prev/next links)

- keys: sorted ascending under the key comparator
- internal nodes: len(childs) == len(keys); keys[i] is the upper bound
  (== the largest key) of the subtree under childs[i]
- leaf nodes: len(values) == len(keys); leaves form a doubly linked
  chain in key order
- the root is pinned in memory for the tree's lifetime; every other
  node lives in the translation table and is addressed by page id
- fullness is measured in bytes used, not entry count: a node is full
  when page_used plus the incoming entry would exceed the page size
*/
package bplustree

import (
	"sync"

	"bptdb/disk_manager"
	"bptdb/types"
)

const (
	rightInsertSplit = iota
	leftInsertSplit
	midSplit
)

// Value is a leaf-resident value record. For values longer than the
// overflow threshold Val holds only the leaf prefix once the record
// has been saved; before the first save it still holds the full bytes.
type Value struct {
	RealLen    uint32
	TrxID      types.TrxID
	OverPageID types.PageID
	PageOff    uint16
	Val        []byte
}

type Node struct {
	leaf   bool
	keys   [][]byte
	childs []types.PageID // internal nodes only
	values []*Value       // leaf nodes only
	left   types.PageID   // leaf chain
	right  types.PageID

	pageUsed   int
	dirty      bool
	deleted    bool
	maybeUsing bool
	mu         sync.RWMutex
}

// BPlusTree binds the pinned root, the translation table and the disk
// manager. All mutations run under an exclusive root latch; reads and
// iterators share it.
type BPlusTree struct {
	dm    *disk_manager.DiskManager
	table *translationTable
	cmp   types.Comparator

	root      *Node
	rootLatch sync.RWMutex

	overValue int // overflow threshold, page_size/16
	logger    *types.Logger
}

// Open loads or creates the tree over an opened disk manager.
func Open(dm *disk_manager.DiskManager, cmp types.Comparator, cacheSlots int, logger *types.Logger) (*BPlusTree, error) {
	t := &BPlusTree{
		dm:        dm,
		cmp:       cmp,
		overValue: types.OverValue(int(dm.Header().PageSize)),
		logger:    logger,
	}
	t.table = newTranslationTable(t, cacheSlots)
	h := dm.Header()
	if h.RootID == 0 {
		id, err := dm.AllocPage()
		if err != nil {
			return nil, err
		}
		h.RootID = id
		h.LeafID = id
		t.root = t.newNode(true)
	} else {
		root, err := t.table.loadNode(h.RootID)
		if err != nil {
			return nil, err
		}
		t.root = root
	}
	return t, nil
}

func (t *BPlusTree) newNode(leaf bool) *Node {
	x := &Node{leaf: leaf}
	x.recompute(t.overValue)
	return x
}

// search returns the index of the least key >= key in x, or len(x.keys).
func (t *BPlusTree) search(x *Node, key []byte) int {
	lo, hi := 0, len(x.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(x.keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (t *BPlusTree) equal(a, b []byte) bool { return t.cmp(a, b) == 0 }
func (t *BPlusTree) less(a, b []byte) bool  { return t.cmp(a, b) < 0 }

// isfull reports whether inserting (key, value) could overflow x. For
// internal nodes the worst-case promoted key size is assumed because
// the key that will actually be promoted is not known yet.
func (t *BPlusTree) isfull(x *Node, key []byte, value *Value) bool {
	used := x.pageUsed
	if x.leaf {
		used += (types.KeyLenField + len(key)) +
			(types.ValueLenField + types.TrxIDField + min(t.overValue, int(value.RealLen)))
	} else {
		used += (types.KeyLenField + types.MaxKeyLen) + types.PageIDField
	}
	return used > int(t.dm.Header().PageSize)
}

// touch recomputes byte accounting and marks the node dirty.
func (t *BPlusTree) touch(x *Node) {
	x.recompute(t.overValue)
	x.dirty = true
}

func (t *BPlusTree) toNode(id types.PageID) (*Node, error) {
	return t.table.ToNode(id)
}

func (t *BPlusTree) toPageID(x *Node) types.PageID {
	return t.table.ToPageID(x)
}

// FlushAll persists every dirty node plus the root and the header.
// Called by the checkpointer while mutations are quiesced.
func (t *BPlusTree) FlushAll() error {
	return t.table.Flush()
}
