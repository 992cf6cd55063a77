package db

import (
	"errors"
	"fmt"

	"bptdb/transaction_manager"
	"bptdb/types"
)

/*
Transactions give MVCC snapshot reads and exclusive-write key locking.
Reads are repeatable against the snapshot taken at the first read;
writes serialize per key via the lock and become durable at commit,
when the WAL is flushed. There is no write-write conflict detection:
concurrent writers of the same key simply queue on the lock.
*/

type Txn struct {
	db *DB
	tx *transaction_manager.Transaction
}

// Begin starts a transaction. It blocks while a checkpoint is pending.
func (db *DB) Begin() (*Txn, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	tx, err := db.trx.Begin()
	if err != nil {
		return nil, db.fail(err)
	}
	return &Txn{db: db, tx: tx}, nil
}

// Get reads key under the transaction's snapshot. The transaction's own
// writes win; otherwise the newest version visible to the read view is
// served, from the tree or from the version store.
func (t *Txn) Get(key []byte) ([]byte, error) {
	db := t.db
	if err := db.check(); err != nil {
		return nil, err
	}
	if t.tx.Done() {
		return nil, fmt.Errorf("%w: transaction %d already finished", types.ErrClosed, t.tx.ID)
	}
	db.rebuildMu.RLock()
	defer db.rebuildMu.RUnlock()

	if t.tx.HoldsXLock(key) {
		// read-your-own-writes straight from the tree
		val, _, err := db.tree.Get(key)
		if err != nil {
			return nil, db.fail(err)
		}
		return val, nil
	}

	view := t.tx.View()
	val, trxID, err := db.tree.Get(key)
	if err == nil && view.Visible(trxID) {
		return val, nil
	}
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, db.fail(err)
	}
	if v := db.trx.Versions().Get(key, view); v != nil {
		t.tx.TrackVersion(v)
		return append([]byte(nil), v.Value()...), nil
	}
	return nil, types.ErrNotFound
}

// Put inserts or replaces key within the transaction.
func (t *Txn) Put(key, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.applyWrite(types.OpInsert, modeUpsert, key, value, t.tx)
}

// Insert stores key, failing with ErrKeyExists when present.
func (t *Txn) Insert(key, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.applyWrite(types.OpInsert, modeInsertOnly, key, value, t.tx)
}

// Update replaces key, failing with ErrNotFound when absent.
func (t *Txn) Update(key, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.applyWrite(types.OpUpdate, modeUpdateOnly, key, value, t.tx)
}

// Delete removes key within the transaction.
func (t *Txn) Delete(key []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.db.applyDelete(key, t.tx)
}

func (t *Txn) writable() error {
	if err := t.db.check(); err != nil {
		return err
	}
	if t.tx.Done() {
		return fmt.Errorf("%w: transaction %d already finished", types.ErrClosed, t.tx.ID)
	}
	return nil
}

// Commit makes the transaction's writes durable and visible.
func (t *Txn) Commit() error {
	db := t.db
	if db.closed.Load() {
		return types.ErrClosed
	}
	if !t.tx.MarkDone() {
		return fmt.Errorf("%w: transaction %d already finished", types.ErrClosed, t.tx.ID)
	}
	t.tx.WaitSyncPoint()
	if t.tx.Wrote() {
		db.wal.FlushWAL(true)
	}
	if err := db.trx.End(t.tx, true); err != nil {
		return db.fail(err)
	}
	return nil
}

// Rollback undoes the transaction's writes and releases its locks.
func (t *Txn) Rollback() error {
	db := t.db
	if !t.tx.MarkDone() {
		return fmt.Errorf("%w: transaction %d already finished", types.ErrClosed, t.tx.ID)
	}
	return db.rollbackDone(t.tx)
}

// rollbackTx force-rolls an abandoned transaction during Close.
func (db *DB) rollbackTx(tx *transaction_manager.Transaction) {
	if !tx.MarkDone() {
		return
	}
	if err := db.rollbackDone(tx); err != nil {
		db.logger.Printf("[db] rollback of abandoned transaction %d: %v", tx.ID, err)
	}
}

// rollbackDone replays the undo stack in reverse and ends the
// transaction without a commit record, so recovery treats every one of
// its WAL records as uncommitted.
func (db *DB) rollbackDone(tx *transaction_manager.Transaction) error {
	tx.WaitSyncPoint()
	for _, u := range tx.DrainUndo() {
		if err := db.applyCompensation(tx.ID, u); err != nil {
			return err
		}
	}
	if err := db.trx.End(tx, false); err != nil {
		return db.fail(err)
	}
	return nil
}
