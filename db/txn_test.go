package db

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bptdb/types"
)

func TestUncommittedWriteInvisible(t *testing.T) {
	d, _ := openTestDB(t)

	tx1, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, tx1.Put([]byte("x"), []byte("1")))

	tx2, err := d.Begin()
	require.NoError(t, err)
	_, err = tx2.Get([]byte("x"))
	require.ErrorIs(t, err, types.ErrNotFound, "uncommitted write must be invisible")
	require.NoError(t, tx2.Commit())

	require.NoError(t, tx1.Commit())

	tx3, err := d.Begin()
	require.NoError(t, err)
	val, err := tx3.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)
	require.NoError(t, tx3.Commit())
}

func TestSnapshotStability(t *testing.T) {
	d, _ := openTestDB(t)

	tx1, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, tx1.Put([]byte("x"), []byte("A")))
	require.NoError(t, tx1.Commit())

	tx2, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, tx2.Update([]byte("x"), []byte("B")))

	// tx3's snapshot is taken now, before tx2 commits
	tx3, err := d.Begin()
	require.NoError(t, err)
	val, err := tx3.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("A"), val)

	require.NoError(t, tx2.Commit())

	val, err = tx3.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("A"), val, "snapshot must be stable across tx2's commit")
	require.NoError(t, tx3.Commit())

	// a fresh transaction sees the committed update
	tx4, err := d.Begin()
	require.NoError(t, err)
	val, err = tx4.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("B"), val)
	require.NoError(t, tx4.Commit())
}

func TestReadYourOwnWrites(t *testing.T) {
	d, _ := openTestDB(t)
	require.NoError(t, d.Put([]byte("k"), []byte("old")))

	tx, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k"), []byte("mine")))
	val, err := tx.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("mine"), val)

	require.NoError(t, tx.Delete([]byte("k")))
	_, err = tx.Get([]byte("k"))
	require.ErrorIs(t, err, types.ErrNotFound, "own delete must be visible")
	require.NoError(t, tx.Rollback())

	// rollback restored the pre-transaction value
	val, err = d.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), val)
}

func TestRollbackUndoesAllWrites(t *testing.T) {
	d, _ := openTestDB(t)
	require.NoError(t, d.Put([]byte("stays"), []byte("v")))
	require.NoError(t, d.Put([]byte("updated"), []byte("before")))

	tx, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Insert([]byte("inserted"), []byte("x")))
	require.NoError(t, tx.Update([]byte("updated"), []byte("after")))
	require.NoError(t, tx.Delete([]byte("stays")))
	require.NoError(t, tx.Rollback())

	_, err = d.Get([]byte("inserted"))
	require.ErrorIs(t, err, types.ErrNotFound)
	val, err := d.Get([]byte("updated"))
	require.NoError(t, err)
	require.Equal(t, []byte("before"), val)
	val, err = d.Get([]byte("stays"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
	require.NoError(t, d.CheckIntegrity())
}

func TestFinishedTransactionRejectsUse(t *testing.T) {
	d, _ := openTestDB(t)
	tx, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, tx.Put([]byte("k"), []byte("v2")), types.ErrClosed)
	_, err = tx.Get([]byte("k"))
	require.ErrorIs(t, err, types.ErrClosed)
	require.ErrorIs(t, tx.Commit(), types.ErrClosed)
}

func TestConflictingWritersSerialize(t *testing.T) {
	d, _ := openTestDB(t)
	require.NoError(t, d.Put([]byte("ctr"), []byte("0")))

	tx1, err := d.Begin()
	require.NoError(t, err)
	require.NoError(t, tx1.Update([]byte("ctr"), []byte("1")))

	// a second writer of the same key must block until tx1 ends
	blocked := make(chan error, 1)
	go func() {
		tx2, err := d.Begin()
		if err != nil {
			blocked <- err
			return
		}
		if err := tx2.Update([]byte("ctr"), []byte("2")); err != nil {
			blocked <- err
			return
		}
		blocked <- tx2.Commit()
	}()

	select {
	case <-blocked:
		t.Fatal("conflicting writer did not block on the key lock")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, tx1.Commit())
	require.NoError(t, <-blocked)

	val, err := d.Get([]byte("ctr"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), val, "last committer wins")
}

func TestDisjointWritersRunConcurrently(t *testing.T) {
	d, _ := openTestDB(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			tx, err := d.Begin()
			if err != nil {
				errs <- err
				return
			}
			for i := 0; i < 50; i++ {
				key := fmt.Appendf(nil, "g%d-k%04d", g, i)
				if err := tx.Put(key, key); err != nil {
					errs <- err
					return
				}
			}
			errs <- tx.Commit()
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, uint64(8*50), d.Stats().KeyNums)
	require.NoError(t, d.CheckIntegrity())
}

func TestVersionStoreFeedsSnapshots(t *testing.T) {
	d, _ := openTestDB(t)
	require.NoError(t, d.Put([]byte("k"), []byte("v0")))

	// a long-lived reader pins the old version across several updates
	reader, err := d.Begin()
	require.NoError(t, err)
	val, err := reader.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), val)

	for i := 1; i <= 3; i++ {
		w, err := d.Begin()
		require.NoError(t, err)
		require.NoError(t, w.Update([]byte("k"), fmt.Appendf(nil, "v%d", i)))
		require.NoError(t, w.Commit())
	}

	val, err = reader.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), val, "snapshot must survive later updates")
	require.NoError(t, reader.Commit())

	val, err = d.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), val)
}
