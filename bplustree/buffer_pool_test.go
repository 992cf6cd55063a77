package bplustree

import (
	"fmt"
	"path/filepath"
	"testing"

	"bptdb/disk_manager"
	"bptdb/types"
)

func TestTranslationTableLoadAndSplice(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	for i := 0; i < 1000; i++ {
		key := fmt.Appendf(nil, "k%06d", i)
		tree.Put(key, key, 0)
	}
	if err := tree.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	// resolving twice must hand back the same cached node
	id := tree.root.childs[0]
	n1, err := tree.table.ToNode(id)
	if err != nil {
		t.Fatalf("ToNode: %v", err)
	}
	n2, err := tree.table.ToNode(id)
	if err != nil {
		t.Fatalf("ToNode: %v", err)
	}
	if n1 != n2 {
		t.Error("repeated ToNode returned different nodes")
	}
	if got := tree.table.ToPageID(n1); got != id {
		t.Errorf("ToPageID round trip: expected %d, got %d", id, got)
	}
}

func TestEvictionSkipsDirtyNodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.db")
	dm, _, err := disk_manager.Open(path, 4096, types.NewLogger(true))
	if err != nil {
		t.Fatalf("open dm: %v", err)
	}
	defer dm.Close()
	tree, err := Open(dm, types.DefaultComparator, 128, types.NewLogger(true))
	if err != nil {
		t.Fatalf("open tree: %v", err)
	}

	// push far more nodes than the 128-slot minimum capacity; dirty
	// nodes must survive until the flush instead of being dropped
	for i := 0; i < 20000; i++ {
		key := fmt.Appendf(nil, "k%08d", i)
		if err := tree.Put(key, key, 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := tree.CheckIntegrity(); err != nil {
		t.Fatalf("integrity with cache pressure: %v", err)
	}
	if err := tree.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	// after the flush everything is clean and unused, so inserting more
	// keys may evict; the data must still be fully readable
	for i := 20000; i < 21000; i++ {
		key := fmt.Appendf(nil, "k%08d", i)
		tree.Put(key, key, 0)
	}
	if err := tree.CheckIntegrity(); err != nil {
		t.Fatalf("integrity after eviction: %v", err)
	}
}

func TestFreeNodeLeavesDeletedMark(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	for i := 0; i < 1000; i++ {
		key := fmt.Appendf(nil, "k%06d", i)
		tree.Put(key, key, 0)
	}
	victim, err := tree.table.ToNode(tree.root.childs[0])
	if err != nil {
		t.Fatalf("ToNode: %v", err)
	}
	freeBefore := tree.dm.Header().FreePages
	if err := tree.table.FreeNode(victim); err != nil {
		t.Fatalf("FreeNode: %v", err)
	}
	if !victim.deleted {
		t.Error("freed node must carry the deleted mark")
	}
	if tree.dm.Header().FreePages != freeBefore+1 {
		t.Errorf("expected the page on the free list, free_pages=%d", tree.dm.Header().FreePages)
	}
}
