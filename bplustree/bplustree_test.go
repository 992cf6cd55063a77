package bplustree

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"bptdb/disk_manager"
	"bptdb/types"
)

func openTestTree(t *testing.T, path string) *BPlusTree {
	t.Helper()
	dm, _, err := disk_manager.Open(path, 4096, types.NewLogger(true))
	if err != nil {
		t.Fatalf("Failed to open disk manager: %v", err)
	}
	tree, err := Open(dm, types.DefaultComparator, 128, types.NewLogger(true))
	if err != nil {
		t.Fatalf("Failed to open tree: %v", err)
	}
	return tree
}

func TestPutGetRoundTrip(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	if err := tree.Put([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Put([]byte("b"), []byte("2"), 7); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, trxID, err := tree.Get([]byte("b"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(val, []byte("2")) || trxID != 7 {
		t.Errorf("Get(b) = (%q, %d), expected (2, 7)", val, trxID)
	}

	if _, _, err := tree.Get([]byte("z")); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Get(z) should be NotFound, got %v", err)
	}
}

func TestPutReplaces(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	tree.Put([]byte("k"), []byte("v1"), 0)
	tree.Put([]byte("k"), []byte("v2"), 0)
	val, _, err := tree.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(val, []byte("v2")) {
		t.Errorf("expected v2, got %q", val)
	}
	if tree.dm.Header().KeyNums != 1 {
		t.Errorf("replace must not change key_nums, got %d", tree.dm.Header().KeyNums)
	}
}

func TestSequentialInsertSplits(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	const n = 2000
	for i := 0; i < n; i++ {
		key := fmt.Appendf(nil, "k%08d", i)
		if err := tree.Put(key, append([]byte("v"), key...), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if tree.dm.Header().KeyNums != n {
		t.Fatalf("expected %d keys, got %d", n, tree.dm.Header().KeyNums)
	}
	if tree.root.leaf {
		t.Fatal("expected the root to have split")
	}
	if err := tree.CheckIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}

	for _, i := range []int{0, 1, 999, 1000, 1998, 1999} {
		key := fmt.Appendf(nil, "k%08d", i)
		val, _, err := tree.Get(key)
		if err != nil {
			t.Fatalf("Get %s: %v", key, err)
		}
		if !bytes.Equal(val, append([]byte("v"), key...)) {
			t.Errorf("value mismatch for %s", key)
		}
	}
}

func TestReverseInsertUsesLeftSplit(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	for i := 2000; i > 0; i-- {
		key := fmt.Appendf(nil, "k%08d", i)
		if err := tree.Put(key, []byte("v"), 0); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := tree.CheckIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	// leaf chain head must be the smallest key
	it := tree.NewIterator()
	defer it.Close()
	it.SeekFirst()
	if !it.Valid() || !bytes.Equal(it.Key(), []byte("k00000001")) {
		t.Errorf("expected first key k00000001, got %q", it.Key())
	}
}

func TestIterationOrder(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	// shuffled-ish insert order
	for i := 0; i < 500; i++ {
		j := (i * 379) % 500
		key := fmt.Appendf(nil, "k%04d", j)
		tree.Put(key, key, 0)
	}

	it := tree.NewIterator()
	defer it.Close()
	count := 0
	var prev []byte
	for it.SeekFirst(); it.Valid(); it.Next() {
		key := it.Key()
		if prev != nil && bytes.Compare(prev, key) >= 0 {
			t.Fatalf("iteration out of order: %q after %q", key, prev)
		}
		if !bytes.Equal(it.Value(), key) {
			t.Fatalf("value mismatch at %q", key)
		}
		prev = key
		count++
	}
	if count != 500 {
		t.Errorf("expected 500 keys, iterated %d", count)
	}

	// backward from the last key
	it2 := tree.NewIterator()
	defer it2.Close()
	it2.SeekLast()
	if !bytes.Equal(it2.Key(), []byte("k0499")) {
		t.Fatalf("SeekLast: got %q", it2.Key())
	}
	it2.Prev()
	if !bytes.Equal(it2.Key(), []byte("k0498")) {
		t.Errorf("Prev: got %q", it2.Key())
	}
}

func TestDeleteWithMerges(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	const n = 1500
	for i := 0; i < n; i++ {
		key := fmt.Appendf(nil, "k%08d", i)
		tree.Put(key, bytes.Repeat([]byte("x"), 32), 0)
	}
	// delete everything but a remainder, front to back, forcing merges
	for i := 0; i < n-10; i++ {
		key := fmt.Appendf(nil, "k%08d", i)
		existed, err := tree.Delete(key)
		if err != nil {
			t.Fatalf("Delete %d: %v", i, err)
		}
		if !existed {
			t.Fatalf("Delete %d reported missing key", i)
		}
	}
	if tree.dm.Header().KeyNums != 10 {
		t.Fatalf("expected 10 keys left, got %d", tree.dm.Header().KeyNums)
	}
	if err := tree.CheckIntegrity(); err != nil {
		t.Fatalf("integrity after deletes: %v", err)
	}
	for i := n - 10; i < n; i++ {
		key := fmt.Appendf(nil, "k%08d", i)
		if _, _, err := tree.Get(key); err != nil {
			t.Errorf("survivor %s missing: %v", key, err)
		}
	}
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	tree.Put([]byte("a"), []byte("1"), 0)
	existed, err := tree.Delete([]byte("nope"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Error("absent key reported as existing")
	}
	if tree.dm.Header().KeyNums != 1 {
		t.Errorf("key_nums changed on no-op delete: %d", tree.dm.Header().KeyNums)
	}
}

func TestOverflowValueRoundTrip(t *testing.T) {
	tree := openTestTree(t, filepath.Join(t.TempDir(), "dump.db"))
	defer tree.dm.Close()

	// 10 pages worth of value, far beyond the overflow threshold
	big := make([]byte, 10*4096)
	for i := range big {
		big[i] = byte(i * 7)
	}
	if err := tree.Put([]byte("big"), big, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// before any flush the full value is still resident
	val, _, err := tree.Get([]byte("big"))
	if err != nil {
		t.Fatalf("Get before flush: %v", err)
	}
	if !bytes.Equal(val, big) {
		t.Fatal("pre-flush value mismatch")
	}

	// the flush spills the value into overflow pages
	if err := tree.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if tree.dm.Header().OverPages != 1 {
		t.Errorf("expected 1 shared overflow page, got %d", tree.dm.Header().OverPages)
	}

	val, _, err = tree.Get([]byte("big"))
	if err != nil {
		t.Fatalf("Get after flush: %v", err)
	}
	if !bytes.Equal(val, big) {
		t.Fatal("post-flush value mismatch")
	}

	// deleting the key must return every overflow page to the pool
	freeBefore := tree.dm.Header().FreePages
	if _, err := tree.Delete([]byte("big")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if tree.dm.Header().OverPages != 0 {
		t.Errorf("overflow pages leaked: %d", tree.dm.Header().OverPages)
	}
	if tree.dm.Header().FreePages <= freeBefore {
		t.Errorf("expected freed pages, free_pages %d -> %d", freeBefore, tree.dm.Header().FreePages)
	}
}

func TestFlushAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.db")
	tree := openTestTree(t, path)
	for i := 0; i < 300; i++ {
		key := fmt.Appendf(nil, "k%04d", i)
		tree.Put(key, key, 0)
	}
	if err := tree.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	tree.dm.Close()

	tree2 := openTestTree(t, path)
	defer tree2.dm.Close()
	if tree2.dm.Header().KeyNums != 300 {
		t.Fatalf("expected 300 keys after reopen, got %d", tree2.dm.Header().KeyNums)
	}
	for i := 0; i < 300; i++ {
		key := fmt.Appendf(nil, "k%04d", i)
		val, _, err := tree2.Get(key)
		if err != nil {
			t.Fatalf("Get %s after reopen: %v", key, err)
		}
		if !bytes.Equal(val, key) {
			t.Errorf("value mismatch for %s after reopen", key)
		}
	}
	if err := tree2.CheckIntegrity(); err != nil {
		t.Fatalf("integrity after reopen: %v", err)
	}
}

func TestKeyLimits(t *testing.T) {
	if err := CheckLimit([]byte{}, nil); !errors.Is(err, types.ErrLimitExceeded) {
		t.Error("empty key must be rejected")
	}
	if err := CheckLimit(bytes.Repeat([]byte("k"), 256), nil); !errors.Is(err, types.ErrLimitExceeded) {
		t.Error("256-byte key must be rejected")
	}
	if err := CheckLimit(bytes.Repeat([]byte("k"), 255), nil); err != nil {
		t.Errorf("255-byte key must be accepted: %v", err)
	}
	if err := CheckLimit([]byte("k"), []byte{}); err != nil {
		t.Errorf("empty value must be accepted: %v", err)
	}
}
