package disk_manager

import (
	"os"
	"sync"

	"bptdb/types"
)

const (
	// HeaderSize is the encoded size of the file header at offset 0:
	// magic(1) page_size(8) key_nums(8) root_id(8) leaf_id(8)
	// free_list_head(8) free_pages(8) over_page_list_head(8) over_pages(8)
	HeaderSize = 1 + 8*8

	Magic = byte(0x1a)

	// overPageHeaderSize: next-over-page-id(8) avail(2) free-block-head(2)
	overPageHeaderSize = 8 + 2 + 2
)

// Header mirrors the on-disk file header. RootID/LeafID/KeyNums are
// mutated by the tree under its exclusive root latch; the free-list and
// overflow-list fields are guarded by the header latch.
type Header struct {
	PageSize         uint64
	KeyNums          uint64
	RootID           types.PageID
	LeafID           types.PageID
	FreeListHead     types.PageID
	FreePages        uint64
	OverPageListHead types.PageID
	OverPages        uint64
}

// overPageInfo is the in-memory record of one shared overflow page.
type overPageInfo struct {
	prevID        types.PageID
	nextID        types.PageID
	avail         uint16
	freeBlockHead uint16
}

// DiskManager owns dump.db: the header, the free-page stack and the
// shared overflow pages. Latch order is header latch, then allocator
// latch; never the reverse.
type DiskManager struct {
	file   *os.File
	path   string
	header Header

	headerMu sync.Mutex

	// allocator latch guarding the two maps below
	mu          sync.Mutex
	overPageMap map[types.PageID]*overPageInfo
	availMap    map[uint16][]types.PageID

	logger *types.Logger
}

// sharedPayload is the byte capacity of a shared overflow page.
func (dm *DiskManager) sharedPayload() uint16 {
	return uint16(dm.header.PageSize) - overPageHeaderSize
}
