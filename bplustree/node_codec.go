package bplustree

import (
	"fmt"

	"bptdb/codec"
	"bptdb/types"
)

/*
Node page layout:
  [leaf:1][key-count:2]
  keys: (len:1)(bytes) ...
  leaf:     values ... then prev-leaf-id(8) next-leaf-id(8)
  internal: child page ids, 8 bytes each, key-count of them

Value record layout inside a leaf:
  [real-len:4][trx-id:8] then
    inline bytes                         when real-len <= over_value
    [over-page-id:8][page-off:2][prefix] otherwise, prefix is
                                         over_value-10 bytes

Overflow chain: full pages are [next-over-page-id:8][data]; the final
small tail lands in a shared overflow page at page-off.
*/

// saveNode serializes a node to its page. Spilling oversized values to
// overflow pages happens here, on first save.
func (tt *translationTable) saveNode(id types.PageID, x *Node) error {
	buf := make([]byte, 0, x.pageUsed)
	var leaf uint8
	if x.leaf {
		leaf = 1
	}
	buf = codec.PutUint8(buf, leaf)
	buf = codec.PutUint16(buf, uint16(len(x.keys)))
	for _, key := range x.keys {
		buf = codec.PutUint8(buf, uint8(len(key)))
		buf = append(buf, key...)
	}
	if x.leaf {
		for _, v := range x.values {
			var err error
			buf, err = tt.saveValue(buf, v)
			if err != nil {
				return err
			}
		}
		buf = codec.PutPageID(buf, x.left)
		buf = codec.PutPageID(buf, x.right)
	} else {
		for _, child := range x.childs {
			buf = codec.PutPageID(buf, child)
		}
	}
	// a page that is not fully used leaves a file hole, which is fine
	return tt.tree.dm.WriteAt(buf, id)
}

// saveValue appends the leaf-resident record for v, writing the
// overflow chain on the value's first save.
func (tt *translationTable) saveValue(buf []byte, v *Value) ([]byte, error) {
	t := tt.tree
	buf = codec.PutUint32(buf, v.RealLen)
	buf = codec.PutUint64(buf, v.TrxID)
	if int(v.RealLen) <= t.overValue {
		return append(buf, v.Val...), nil
	}
	prefixLen := t.overValue - types.PageIDField - 2
	if v.OverPageID > 0 {
		// chain already on disk, only the leaf-resident part is rewritten
		buf = codec.PutPageID(buf, v.OverPageID)
		buf = codec.PutUint16(buf, v.PageOff)
		return append(buf, v.Val[:prefixLen]...), nil
	}

	// first save of this value: carve the part past the prefix into
	// whole overflow pages plus at most one shared tail
	dm := t.dm
	capOver := int(dm.Header().PageSize) - types.PageIDField
	capShared := capOver - 8
	remain := int(v.RealLen) - prefixLen
	n := remain / capOver
	r := remain % capOver
	pages := make([]int, n)
	for i := range pages {
		pages[i] = capOver
	}
	// a tail too big for a shared page gets a page of its own
	if r > capShared {
		pages = append(pages, r)
		r = 0
	}

	var tailID types.PageID
	if r > 0 {
		roff := prefixLen + n*capOver
		id, off, err := dm.WriteOverPage(v.Val[roff : roff+r])
		if err != nil {
			return nil, err
		}
		tailID = id
		v.PageOff = off
	}

	if len(pages) > 0 {
		id, err := dm.AllocPage()
		if err != nil {
			return nil, err
		}
		v.OverPageID = id
	} else {
		v.OverPageID = tailID
	}

	off := v.OverPageID
	pos := prefixLen
	for i, size := range pages {
		var next types.PageID
		if i == len(pages)-1 {
			next = tailID
		} else {
			id, err := dm.AllocPage()
			if err != nil {
				return nil, err
			}
			next = id
		}
		page := codec.PutPageID(make([]byte, 0, types.PageIDField+size), next)
		page = append(page, v.Val[pos:pos+size]...)
		if err := dm.WriteAt(page, off); err != nil {
			return nil, err
		}
		pos += size
		off = next
	}

	buf = codec.PutPageID(buf, v.OverPageID)
	buf = codec.PutUint16(buf, v.PageOff)
	// only the prefix stays resident from now on
	prefix := make([]byte, prefixLen)
	copy(prefix, v.Val)
	v.Val = prefix
	return append(buf, prefix...), nil
}

// loadNode reads and decodes the node stored at page id.
func (tt *translationTable) loadNode(id types.PageID) (*Node, error) {
	t := tt.tree
	page, err := t.dm.ReadPage(id)
	if err != nil {
		return nil, err
	}
	r := codec.NewReader(page)
	x := &Node{leaf: r.Uint8() == 1}
	keyNums := int(r.Uint16())
	x.keys = make([][]byte, 0, keyNums)
	for i := 0; i < keyNums; i++ {
		keyLen := int(r.Uint8())
		x.keys = append(x.keys, r.Bytes(keyLen))
	}
	if x.leaf {
		x.values = make([]*Value, 0, keyNums)
		for i := 0; i < keyNums; i++ {
			v := tt.loadValue(r)
			if v == nil {
				break
			}
			x.values = append(x.values, v)
		}
		x.left = r.PageID()
		x.right = r.PageID()
	} else {
		x.childs = make([]types.PageID, 0, keyNums)
		for i := 0; i < keyNums; i++ {
			x.childs = append(x.childs, r.PageID())
		}
	}
	if r.Err() {
		return nil, fmt.Errorf("%w: corrupt node at page %d", types.ErrBadFile, id)
	}
	x.recompute(t.overValue)
	return x, nil
}

// loadValue decodes one value record. Oversized values keep only the
// leaf prefix in memory; LoadRealValue materializes the full bytes.
func (tt *translationTable) loadValue(r *codec.Reader) *Value {
	t := tt.tree
	v := &Value{RealLen: r.Uint32(), TrxID: r.Uint64()}
	if int(v.RealLen) <= t.overValue {
		v.Val = r.Bytes(int(v.RealLen))
	} else {
		v.OverPageID = r.PageID()
		v.PageOff = r.Uint16()
		v.Val = r.Bytes(t.overValue - types.PageIDField - 2)
	}
	if r.Err() {
		return nil
	}
	return v
}

// LoadRealValue materializes the complete value bytes, walking the
// overflow chain when the value spilled.
func (t *BPlusTree) LoadRealValue(v *Value) ([]byte, error) {
	if v.OverPageID == 0 {
		// inline, or oversized but not yet spilled by a save
		out := make([]byte, len(v.Val))
		copy(out, v.Val)
		return out, nil
	}
	prefixLen := t.overValue - types.PageIDField - 2
	capOver := int(t.dm.Header().PageSize) - types.PageIDField
	capShared := capOver - 8
	out := make([]byte, 0, v.RealLen)
	out = append(out, v.Val[:prefixLen]...)
	remain := int(v.RealLen) - prefixLen
	off := v.OverPageID
	for off != 0 {
		page, err := t.dm.ReadPage(off)
		if err != nil {
			return nil, err
		}
		next := codec.NewReader(page).PageID()
		if remain >= capOver {
			out = append(out, page[types.PageIDField:types.PageIDField+capOver]...)
			remain -= capOver
		} else {
			if remain <= capShared {
				out = append(out, page[v.PageOff:int(v.PageOff)+remain]...)
			} else {
				out = append(out, page[types.PageIDField:types.PageIDField+remain]...)
			}
			next = 0
		}
		off = next
	}
	return out, nil
}

// freeValue releases the overflow pages a value spilled into. Inline
// and never-spilled values need no disk work.
func (t *BPlusTree) freeValue(v *Value) error {
	if int(v.RealLen) <= t.overValue || v.OverPageID == 0 {
		return nil
	}
	prefixLen := t.overValue - types.PageIDField - 2
	capOver := int(t.dm.Header().PageSize) - types.PageIDField
	capShared := capOver - 8
	remain := int(v.RealLen) - prefixLen
	off := v.OverPageID
	for {
		nextBuf := make([]byte, types.PageIDField)
		if err := t.dm.ReadAt(nextBuf, off); err != nil {
			return err
		}
		next := codec.NewReader(nextBuf).PageID()
		if remain >= capOver {
			if err := t.dm.FreePage(off); err != nil {
				return err
			}
			remain -= capOver
			if next == 0 {
				return nil
			}
			off = next
			continue
		}
		if remain <= capShared {
			return t.dm.FreeOverPage(off, v.PageOff, remain)
		}
		return t.dm.FreePage(off)
	}
}
