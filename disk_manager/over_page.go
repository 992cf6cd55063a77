package disk_manager

import (
	"encoding/binary"
	"fmt"
	"sort"

	"bptdb/codec"
	"bptdb/types"
)

/*
Shared overflow pages hold the small tails of values that spill out of
their leaf record. Page layout:
------------------------------------------------------
|      8 bytes       |    2 bytes  |     2 bytes     |
| next-over-page-id  |  avail-size | free-block-head |
------------------------------------------------------
Free regions inside the payload form an ordered linked list of cells,
like an explicit-free-list allocator. Cell layout:
-----------------------------------------
|      2 bytes        |     2 bytes     |
| next-free-block-off | free-block-size |
-----------------------------------------
Sizes are rounded up to 4 bytes so every free region can hold a cell.
*/

// round4 rounds n up to a multiple of 4.
func round4(n int) uint16 {
	return uint16((n + 3) &^ 3)
}

// InitOverPages rebuilds the in-memory overflow-page maps by walking
// the on-disk overflow list. Called at open and after rebuild.
func (dm *DiskManager) InitOverPages() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.overPageMap = make(map[types.PageID]*overPageInfo)
	dm.availMap = make(map[uint16][]types.PageID)
	id := dm.header.OverPageListHead
	var prev types.PageID
	for i := uint64(0); i < dm.header.OverPages; i++ {
		buf := make([]byte, overPageHeaderSize)
		if err := dm.ReadAt(buf, id); err != nil {
			return err
		}
		r := codec.NewReader(buf)
		info := &overPageInfo{
			prevID:        prev,
			nextID:        r.PageID(),
			avail:         r.Uint16(),
			freeBlockHead: r.Uint16(),
		}
		dm.overPageMap[id] = info
		dm.availMap[info.avail] = append(dm.availMap[info.avail], id)
		prev = id
		id = info.nextID
	}
	return nil
}

// WriteOverPage stores data into some shared overflow page, first-fit
// over the pages with enough room, and returns the page id and the
// in-page offset of the written block.
func (dm *DiskManager) WriteOverPage(data []byte) (types.PageID, uint16, error) {
	roundN := round4(len(data))
	dm.headerMu.Lock()
	defer dm.headerMu.Unlock()
	dm.mu.Lock()
	defer dm.mu.Unlock()

	avails := make([]int, 0, len(dm.availMap))
	for a := range dm.availMap {
		if a >= roundN {
			avails = append(avails, int(a))
		}
	}
	sort.Ints(avails)
	for _, a := range avails {
		bucket := dm.availMap[uint16(a)]
		for _, id := range bucket {
			off, err := dm.searchAndTryWrite(id, data)
			if err != nil {
				return 0, 0, err
			}
			if off > 0 {
				info := dm.overPageMap[id]
				dm.removeByAvail(id, uint16(a))
				dm.availMap[info.avail] = append(dm.availMap[info.avail], id)
				return id, off, nil
			}
		}
	}
	// no page had a suitable free block
	return dm.writeNewOverPage(data)
}

// writeNewOverPage allocates a fresh shared overflow page, writes data
// at the start of its payload and links it at the head of the overflow
// list. Requires both latches.
func (dm *DiskManager) writeNewOverPage(data []byte) (types.PageID, uint16, error) {
	id, err := dm.allocPageLocked()
	if err != nil {
		return 0, 0, err
	}
	roundN := round4(len(data))
	info := &overPageInfo{
		nextID:        dm.header.OverPageListHead,
		avail:         dm.sharedPayload() - roundN,
		freeBlockHead: overPageHeaderSize + roundN,
	}
	dm.header.OverPages++
	dm.header.OverPageListHead = id

	page := make([]byte, dm.header.PageSize)
	binary.LittleEndian.PutUint64(page[0:], info.nextID)
	binary.LittleEndian.PutUint16(page[8:], info.avail)
	binary.LittleEndian.PutUint16(page[10:], info.freeBlockHead)
	copy(page[overPageHeaderSize:], data)
	// the whole remainder is one free block
	binary.LittleEndian.PutUint16(page[info.freeBlockHead:], 0)
	binary.LittleEndian.PutUint16(page[info.freeBlockHead+2:], info.avail)
	if err := dm.WriteAt(page, id); err != nil {
		return 0, 0, err
	}

	if info.nextID > 0 {
		if next, ok := dm.overPageMap[info.nextID]; ok {
			next.prevID = id
		}
	}
	dm.overPageMap[id] = info
	dm.availMap[info.avail] = append(dm.availMap[info.avail], id)
	return id, overPageHeaderSize, nil
}

// searchAndTryWrite looks for a free block of at least len(data) bytes
// inside page id. On success it writes data there and returns the
// in-page offset; 0 means no fit.
func (dm *DiskManager) searchAndTryWrite(id types.PageID, data []byte) (uint16, error) {
	roundN := round4(len(data))
	info := dm.overPageMap[id]
	if info.freeBlockHead == 0 || info.avail < roundN {
		return 0, nil
	}
	page, err := dm.ReadPage(id)
	if err != nil {
		return 0, err
	}
	var prevOff uint16
	curOff := info.freeBlockHead
	avail := info.avail
	for {
		nextOff := binary.LittleEndian.Uint16(page[curOff:])
		curSize := binary.LittleEndian.Uint16(page[curOff+2:])
		if curSize >= roundN {
			copy(page[curOff:], data)
			if remain := curSize - roundN; remain > 0 {
				newOff := curOff + roundN
				binary.LittleEndian.PutUint16(page[newOff:], nextOff)
				binary.LittleEndian.PutUint16(page[newOff+2:], remain)
				nextOff = newOff
			}
			if prevOff > 0 {
				binary.LittleEndian.PutUint16(page[prevOff:], nextOff)
			} else {
				info.freeBlockHead = nextOff
			}
			info.avail -= roundN
			binary.LittleEndian.PutUint16(page[8:], info.avail)
			binary.LittleEndian.PutUint16(page[10:], info.freeBlockHead)
			if err := dm.WriteAt(page, id); err != nil {
				return 0, err
			}
			return curOff, nil
		}
		avail -= curSize
		// none of the remaining blocks can fit
		if avail < roundN || nextOff == 0 {
			return 0, nil
		}
		prevOff = curOff
		curOff = nextOff
	}
}

// FreeOverPage releases n bytes at offset off inside shared overflow
// page id, coalescing with physically adjacent free blocks. A page
// whose payload becomes entirely free is unlinked from the overflow
// list and returned to the free-page pool.
func (dm *DiskManager) FreeOverPage(id types.PageID, off uint16, n int) error {
	if id == 0 {
		return fmt.Errorf("%w: free_over_page of header page", types.ErrPoisoned)
	}
	roundN := round4(n)
	dm.headerMu.Lock()
	defer dm.headerMu.Unlock()
	dm.mu.Lock()
	defer dm.mu.Unlock()

	info, ok := dm.overPageMap[id]
	if !ok {
		return fmt.Errorf("%w: free_over_page of unknown page %d", types.ErrPoisoned, id)
	}
	oldAvail := info.avail
	info.avail += roundN

	if info.avail == dm.sharedPayload() {
		// nobody uses this page anymore, release it wholesale
		if info.prevID > 0 {
			if err := dm.WriteAt(codec.PutPageID(nil, info.nextID), info.prevID); err != nil {
				return err
			}
			if prev, ok := dm.overPageMap[info.prevID]; ok {
				prev.nextID = info.nextID
			}
		} else {
			dm.header.OverPageListHead = info.nextID
		}
		if info.nextID > 0 {
			if next, ok := dm.overPageMap[info.nextID]; ok {
				next.prevID = info.prevID
			}
		}
		dm.header.OverPages--
		dm.removeByAvail(id, oldAvail)
		delete(dm.overPageMap, id)
		return dm.freePageLocked(id)
	}

	dm.removeByAvail(id, oldAvail)
	page, err := dm.ReadPage(id)
	if err != nil {
		return err
	}

	type block struct{ off, size uint16 }
	var blocks []block
	for cur := info.freeBlockHead; cur != 0; {
		next := binary.LittleEndian.Uint16(page[cur:])
		size := binary.LittleEndian.Uint16(page[cur+2:])
		blocks = append(blocks, block{cur, size})
		cur = next
	}
	// insert the freed block in address order, then coalesce neighbors
	pos := sort.Search(len(blocks), func(i int) bool { return blocks[i].off > off })
	blocks = append(blocks, block{})
	copy(blocks[pos+1:], blocks[pos:])
	blocks[pos] = block{off, roundN}
	merged := blocks[:1]
	for _, b := range blocks[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.size == b.off {
			last.size += b.size
		} else {
			merged = append(merged, b)
		}
	}
	info.freeBlockHead = merged[0].off
	for i, b := range merged {
		var next uint16
		if i+1 < len(merged) {
			next = merged[i+1].off
		}
		binary.LittleEndian.PutUint16(page[b.off:], next)
		binary.LittleEndian.PutUint16(page[b.off+2:], b.size)
	}
	binary.LittleEndian.PutUint16(page[8:], info.avail)
	binary.LittleEndian.PutUint16(page[10:], info.freeBlockHead)
	if err := dm.WriteAt(page, id); err != nil {
		return err
	}
	dm.availMap[info.avail] = append(dm.availMap[info.avail], id)
	return nil
}

// removeByAvail drops page id from the avail bucket it was filed under.
func (dm *DiskManager) removeByAvail(id types.PageID, avail uint16) {
	bucket := dm.availMap[avail]
	for i, v := range bucket {
		if v == id {
			bucket[i] = bucket[len(bucket)-1]
			dm.availMap[avail] = bucket[:len(bucket)-1]
			break
		}
	}
	if len(dm.availMap[avail]) == 0 {
		delete(dm.availMap, avail)
	}
}
