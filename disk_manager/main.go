package disk_manager

import (
	"fmt"
	"io"
	"os"

	"bptdb/codec"
	"bptdb/types"
)

/*
The disk manager owns the main data file. Pages are fixed size and a
page id is simply the page's byte offset in the file, so page 0 is the
header page and every real page id is a positive multiple of page_size.

Free pages form a stack threaded through the pages themselves:
----------------------------------------
|       8 bytes      | xxxxxxxxxxxxxxx |
| next-free-page-id  | xxxxxxxxxxxxxxx |
----------------------------------------
*/

// Open opens or creates the data file. When the file is empty a fresh
// header with the given page size is installed; otherwise the on-disk
// header wins and pageSize is ignored. Returns created=true for a
// fresh database.
func Open(path string, pageSize int, logger *types.Logger) (*DiskManager, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open %s: %v", types.ErrIO, path, err)
	}
	dm := &DiskManager{
		file:        file,
		path:        path,
		overPageMap: make(map[types.PageID]*overPageInfo),
		availMap:    make(map[uint16][]types.PageID),
		logger:      logger,
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("%w: stat %s: %v", types.ErrIO, path, err)
	}
	created := st.Size() == 0
	if created {
		dm.header = Header{
			PageSize:     uint64(pageSize),
			FreeListHead: uint64(pageSize),
		}
		if err := dm.SaveHeader(); err != nil {
			file.Close()
			return nil, false, err
		}
	} else {
		if err := dm.loadHeader(); err != nil {
			file.Close()
			return nil, false, err
		}
		if err := dm.InitOverPages(); err != nil {
			file.Close()
			return nil, false, err
		}
	}
	return dm, created, nil
}

func (dm *DiskManager) Header() *Header { return &dm.header }

func (dm *DiskManager) LockHeader()   { dm.headerMu.Lock() }
func (dm *DiskManager) UnlockHeader() { dm.headerMu.Unlock() }

// ReadAt fills buf from the given offset, zero-padding past EOF so a
// freshly allocated page reads as zeros.
func (dm *DiskManager) ReadAt(buf []byte, off types.PageID) error {
	n, err := dm.file.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: read %d bytes at %d: %v", types.ErrIO, len(buf), off, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (dm *DiskManager) WriteAt(buf []byte, off types.PageID) error {
	if _, err := dm.file.WriteAt(buf, int64(off)); err != nil {
		return fmt.Errorf("%w: write %d bytes at %d: %v", types.ErrIO, len(buf), off, err)
	}
	return nil
}

// ReadPage reads one whole page.
func (dm *DiskManager) ReadPage(id types.PageID) ([]byte, error) {
	buf := make([]byte, dm.header.PageSize)
	if err := dm.ReadAt(buf, id); err != nil {
		return nil, err
	}
	return buf, nil
}

func (dm *DiskManager) Sync() error {
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", types.ErrIO, err)
	}
	return nil
}

func (dm *DiskManager) Close() error {
	if dm.file == nil {
		return nil
	}
	err := dm.file.Close()
	dm.file = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", types.ErrIO, err)
	}
	return nil
}

// AllocPage pops the free-list head, or bumps the high-water mark when
// the free list is empty. The returned id is the pre-bump head.
func (dm *DiskManager) AllocPage() (types.PageID, error) {
	dm.headerMu.Lock()
	defer dm.headerMu.Unlock()
	return dm.allocPageLocked()
}

// allocPageLocked requires the header latch.
func (dm *DiskManager) allocPageLocked() (types.PageID, error) {
	id := dm.header.FreeListHead
	if dm.header.FreePages > 0 {
		dm.header.FreePages--
		next := make([]byte, types.PageIDField)
		if err := dm.ReadAt(next, id); err != nil {
			return 0, err
		}
		dm.header.FreeListHead = codec.NewReader(next).PageID()
	} else {
		dm.header.FreeListHead += dm.header.PageSize
	}
	return id, nil
}

// FreePage pushes the page onto the free-list stack: the old head is
// written into the page's first 8 bytes and the head moves here.
func (dm *DiskManager) FreePage(id types.PageID) error {
	dm.headerMu.Lock()
	defer dm.headerMu.Unlock()
	return dm.freePageLocked(id)
}

// freePageLocked requires the header latch.
func (dm *DiskManager) freePageLocked(id types.PageID) error {
	if id == 0 {
		return fmt.Errorf("%w: free of header page", types.ErrPoisoned)
	}
	if err := dm.WriteAt(codec.PutPageID(nil, dm.header.FreeListHead), id); err != nil {
		return err
	}
	dm.header.FreeListHead = id
	dm.header.FreePages++
	return nil
}

// ########################### file-header ###########################
// [magic][page-size][key-nums][root-id][leaf-id]
// [free-list-head][free-pages][over-page-list-head][over-pages]

// SaveHeader rewrites the header page. Callers that mutate free-list
// fields hold the header latch around the mutation; the write itself
// takes a consistent snapshot under the same latch.
func (dm *DiskManager) SaveHeader() error {
	dm.headerMu.Lock()
	buf := make([]byte, 0, HeaderSize)
	buf = codec.PutUint8(buf, Magic)
	buf = codec.PutUint64(buf, dm.header.PageSize)
	buf = codec.PutUint64(buf, dm.header.KeyNums)
	buf = codec.PutPageID(buf, dm.header.RootID)
	buf = codec.PutPageID(buf, dm.header.LeafID)
	buf = codec.PutPageID(buf, dm.header.FreeListHead)
	buf = codec.PutUint64(buf, dm.header.FreePages)
	buf = codec.PutPageID(buf, dm.header.OverPageListHead)
	buf = codec.PutUint64(buf, dm.header.OverPages)
	dm.headerMu.Unlock()
	return dm.WriteAt(buf, 0)
}

func (dm *DiskManager) loadHeader() error {
	buf := make([]byte, HeaderSize)
	if err := dm.ReadAt(buf, 0); err != nil {
		return err
	}
	r := codec.NewReader(buf)
	if magic := r.Uint8(); magic != Magic {
		return fmt.Errorf("%w: unknown data file %s (magic %#x)", types.ErrBadFile, dm.path, magic)
	}
	dm.header.PageSize = r.Uint64()
	dm.header.KeyNums = r.Uint64()
	dm.header.RootID = r.PageID()
	dm.header.LeafID = r.PageID()
	dm.header.FreeListHead = r.PageID()
	dm.header.FreePages = r.Uint64()
	dm.header.OverPageListHead = r.PageID()
	dm.header.OverPages = r.Uint64()
	if r.Err() {
		return fmt.Errorf("%w: truncated header in %s", types.ErrBadFile, dm.path)
	}
	if !validPageSize(dm.header.PageSize) {
		return fmt.Errorf("%w: header page_size %d", types.ErrBadFile, dm.header.PageSize)
	}
	return nil
}

func validPageSize(ps uint64) bool {
	switch ps {
	case 4 << 10, 8 << 10, 16 << 10, 32 << 10, 64 << 10:
		return true
	}
	return false
}
