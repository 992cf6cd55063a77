package db

import "bptdb/bplustree"

// Iterator walks the store in comparator order. It pins the shared
// root latch for its whole lifetime: release it promptly with Close or
// writers will stall behind it.
type Iterator struct {
	it *bplustree.Iterator
}

func (db *DB) NewIterator() (*Iterator, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return &Iterator{it: db.tree.NewIterator()}, nil
}

func (it *Iterator) Close()                    { it.it.Close() }
func (it *Iterator) Valid() bool               { return it.it.Valid() }
func (it *Iterator) Seek(key []byte) *Iterator { it.it.Seek(key); return it }
func (it *Iterator) SeekFirst() *Iterator      { it.it.SeekFirst(); return it }
func (it *Iterator) SeekLast() *Iterator       { it.it.SeekLast(); return it }
func (it *Iterator) Next() *Iterator           { it.it.Next(); return it }
func (it *Iterator) Prev() *Iterator           { it.it.Prev(); return it }
func (it *Iterator) Key() []byte               { return it.it.Key() }
func (it *Iterator) Value() []byte             { return it.it.Value() }
