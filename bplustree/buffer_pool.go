package bplustree

import (
	"container/list"
	"fmt"
	"sync"

	"bptdb/types"
)

/*
The translation table is the node cache: a bidirectional page-id ⇄ node
map plus an LRU list, all under one read-write latch. The pinned root
never lives here. Eviction is conservative: dirty, deleted or
maybe-using nodes are skipped, so a dirty node stays cached until the
next checkpoint writes it out (write-ahead ordering: no page reaches
its home location before the WAL covering it has been fsync'd).
*/

type cacheEntry struct {
	id   types.PageID
	node *Node
}

type translationTable struct {
	mu     sync.RWMutex
	toNode map[types.PageID]*list.Element
	toID   map[*Node]types.PageID
	lru    *list.List // front = most recently used
	cap    int
	tree   *BPlusTree
}

func newTranslationTable(tree *BPlusTree, cap int) *translationTable {
	if cap < 128 {
		cap = 128
	}
	return &translationTable{
		toNode: make(map[types.PageID]*list.Element),
		toID:   make(map[*Node]types.PageID),
		lru:    list.New(),
		cap:    cap,
		tree:   tree,
	}
}

// ToNode resolves a page id to its cached node, loading it from disk on
// a miss. The returned node is marked maybe-using so it survives
// eviction until the next checkpoint.
func (tt *translationTable) ToNode(id types.PageID) (*Node, error) {
	if id == tt.tree.dm.Header().RootID {
		return tt.tree.root, nil
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if elem, ok := tt.toNode[id]; ok {
		tt.lru.MoveToFront(elem)
		node := elem.Value.(*cacheEntry).node
		node.maybeUsing = true
		return node, nil
	}
	node, err := tt.loadNode(id)
	if err != nil {
		return nil, err
	}
	tt.lruPut(id, node)
	node.maybeUsing = true
	return node, nil
}

// ToPageID is the reverse mapping. A node unknown to the table is an
// engine invariant violation.
func (tt *translationTable) ToPageID(x *Node) types.PageID {
	if x == tt.tree.root {
		return tt.tree.dm.Header().RootID
	}
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	id, ok := tt.toID[x]
	if !ok {
		panic(fmt.Sprintf("bplustree: node %p is not in the translation table", x))
	}
	return id
}

// Put registers a freshly created node under id.
func (tt *translationTable) Put(id types.PageID, node *Node) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.lruPut(id, node)
}

// lruPut inserts a new entry, trying to evict the LRU tail when at
// capacity. Eviction is skipped when the candidate is dirty, deleted,
// in use or latched; the table then simply runs over capacity until a
// checkpoint cleans things up.
func (tt *translationTable) lruPut(id types.PageID, node *Node) {
	if _, ok := tt.toNode[id]; ok {
		panic(fmt.Sprintf("bplustree: lru_put: page %d already cached", id))
	}
	if tt.lru.Len() >= tt.cap {
		if tail := tt.lru.Back(); tail != nil {
			entry := tail.Value.(*cacheEntry)
			victim := entry.node
			if victim.mu.TryLock() {
				if !victim.dirty && !victim.deleted && !victim.maybeUsing {
					delete(tt.toNode, entry.id)
					delete(tt.toID, victim)
					tt.lru.Remove(tail)
				}
				victim.mu.Unlock()
			}
		}
	}
	elem := tt.lru.PushFront(&cacheEntry{id: id, node: node})
	tt.toNode[id] = elem
	tt.toID[node] = id
}

// Flush writes every dirty node, then always rewrites the root page and
// the header, and fsyncs. maybe-using marks are reset so nodes become
// evictable again.
func (tt *translationTable) Flush() error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for node, id := range tt.toID {
		if node.dirty && !node.deleted {
			if err := tt.saveNode(id, node); err != nil {
				return err
			}
			node.dirty = false
		}
		node.maybeUsing = false
	}
	// the root is rewritten even when clean so a fresh database can be
	// reloaded after restart
	root := tt.tree.root
	if err := tt.saveNode(tt.tree.dm.Header().RootID, root); err != nil {
		return err
	}
	root.dirty = false
	if err := tt.tree.dm.SaveHeader(); err != nil {
		return err
	}
	return tt.tree.dm.Sync()
}

// FreeNode removes a merged-away node from the table and releases its
// page. The node keeps its deleted mark so stragglers holding a
// reference can detect staleness.
func (tt *translationTable) FreeNode(x *Node) error {
	id := tt.ToPageID(x)
	tt.mu.Lock()
	x.deleted = true
	if elem, ok := tt.toNode[id]; ok {
		tt.lru.Remove(elem)
		delete(tt.toNode, id)
	}
	delete(tt.toID, x)
	tt.mu.Unlock()
	return tt.tree.dm.FreePage(id)
}

// ReleaseRoot detaches a cached node from the table without freeing its
// page, so it can be installed as the new pinned root.
func (tt *translationTable) ReleaseRoot(x *Node) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	id, ok := tt.toID[x]
	if !ok {
		panic("bplustree: release_root: node is not cached")
	}
	if elem, ok := tt.toNode[id]; ok {
		tt.lru.Remove(elem)
		delete(tt.toNode, id)
	}
	delete(tt.toID, x)
}

// CachedNodes reports the number of cached nodes (root excluded).
func (tt *translationTable) CachedNodes() int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.lru.Len()
}
