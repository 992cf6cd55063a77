package disk_manager

import (
	"bytes"
	"path/filepath"
	"testing"

	"bptdb/types"
)

func openTestManager(t *testing.T) *DiskManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.db")
	dm, created, err := Open(path, 4096, types.NewLogger(true))
	if err != nil {
		t.Fatalf("Failed to open disk manager: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh database")
	}
	return dm
}

func TestAllocFreeRoundTrip(t *testing.T) {
	dm := openTestManager(t)
	defer dm.Close()

	p1, err := dm.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if p1 != 4096 {
		t.Errorf("first page should sit right after the header page, got %d", p1)
	}
	p2, _ := dm.AllocPage()
	if p2 != 8192 {
		t.Errorf("expected high-water bump to 8192, got %d", p2)
	}

	if err := dm.FreePage(p1); err != nil {
		t.Fatalf("FreePage: %v", err)
	}
	if dm.Header().FreePages != 1 {
		t.Errorf("expected 1 free page, got %d", dm.Header().FreePages)
	}

	// freed page must be recycled before the high-water mark moves
	p3, _ := dm.AllocPage()
	if p3 != p1 {
		t.Errorf("expected recycled page %d, got %d", p1, p3)
	}
	if dm.Header().FreePages != 0 {
		t.Errorf("expected empty free list, got %d", dm.Header().FreePages)
	}
}

func TestHeaderPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.db")
	lg := types.NewLogger(true)
	dm, _, err := Open(path, 8192, lg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dm.Header().KeyNums = 42
	dm.Header().RootID = 8192
	if err := dm.SaveHeader(); err != nil {
		t.Fatalf("SaveHeader: %v", err)
	}
	dm.Close()

	dm2, created, err := Open(path, 4096, lg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer dm2.Close()
	if created {
		t.Fatal("reopen should not report a fresh database")
	}
	if dm2.Header().PageSize != 8192 {
		t.Errorf("on-disk page size must win over the option, got %d", dm2.Header().PageSize)
	}
	if dm2.Header().KeyNums != 42 || dm2.Header().RootID != 8192 {
		t.Errorf("header fields not persisted: %+v", dm2.Header())
	}
}

func TestBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.db")
	lg := types.NewLogger(true)
	dm, _, err := Open(path, 4096, lg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// corrupt the magic byte
	if err := dm.WriteAt([]byte{0x7f}, 0); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	dm.Close()

	_, _, err = Open(path, 4096, lg)
	if err == nil {
		t.Fatal("expected open to fail on magic mismatch")
	}
}

func TestOverPageWriteRead(t *testing.T) {
	dm := openTestManager(t)
	defer dm.Close()

	data := bytes.Repeat([]byte{0xab}, 100)
	id, off, err := dm.WriteOverPage(data)
	if err != nil {
		t.Fatalf("WriteOverPage: %v", err)
	}
	if off != overPageHeaderSize {
		t.Errorf("first block should start right after the page header, got %d", off)
	}
	if dm.Header().OverPages != 1 || dm.Header().OverPageListHead != id {
		t.Errorf("overflow list not updated: %+v", dm.Header())
	}

	got := make([]byte, len(data))
	if err := dm.ReadAt(got, id+types.PageID(off)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("overflow payload mismatch")
	}

	// a second tail lands in the same page, after the first block
	data2 := bytes.Repeat([]byte{0xcd}, 60)
	id2, off2, err := dm.WriteOverPage(data2)
	if err != nil {
		t.Fatalf("WriteOverPage #2: %v", err)
	}
	if id2 != id {
		t.Errorf("second tail should share the page, got %d vs %d", id2, id)
	}
	if off2 != off+100 {
		t.Errorf("expected second block at %d, got %d", off+100, off2)
	}
}

func TestOverPageFreeCoalesceAndReclaim(t *testing.T) {
	dm := openTestManager(t)
	defer dm.Close()

	a := bytes.Repeat([]byte{1}, 40)
	b := bytes.Repeat([]byte{2}, 40)
	c := bytes.Repeat([]byte{3}, 40)
	id, offA, _ := dm.WriteOverPage(a)
	_, offB, _ := dm.WriteOverPage(b)
	_, offC, _ := dm.WriteOverPage(c)

	// free the middle block, then its neighbors; adjacency must coalesce
	if err := dm.FreeOverPage(id, offB, 40); err != nil {
		t.Fatalf("free b: %v", err)
	}
	if err := dm.FreeOverPage(id, offA, 40); err != nil {
		t.Fatalf("free a: %v", err)
	}
	if err := dm.FreeOverPage(id, offC, 40); err != nil {
		t.Fatalf("free c: %v", err)
	}

	// fully freed page leaves the overflow list and joins the free pool
	if dm.Header().OverPages != 0 {
		t.Errorf("expected 0 overflow pages, got %d", dm.Header().OverPages)
	}
	if dm.Header().OverPageListHead != 0 {
		t.Errorf("expected empty overflow list, got head %d", dm.Header().OverPageListHead)
	}
	if dm.Header().FreePages != 1 {
		t.Errorf("expected the page back on the free list, got %d", dm.Header().FreePages)
	}
}

func TestOverPageReloadAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.db")
	lg := types.NewLogger(true)
	dm, _, _ := Open(path, 4096, lg)
	data := bytes.Repeat([]byte{9}, 80)
	id, off, err := dm.WriteOverPage(data)
	if err != nil {
		t.Fatalf("WriteOverPage: %v", err)
	}
	dm.SaveHeader()
	dm.Close()

	dm2, _, err := Open(path, 4096, lg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer dm2.Close()
	// the rebuilt avail map must still know about the partially used page
	id2, off2, err := dm2.WriteOverPage(bytes.Repeat([]byte{8}, 16))
	if err != nil {
		t.Fatalf("WriteOverPage after reopen: %v", err)
	}
	if id2 != id || off2 != off+80 {
		t.Errorf("expected reuse of page %d at %d, got page %d at %d", id, off+80, id2, off2)
	}
}
