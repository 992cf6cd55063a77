package db

import (
	"errors"
	"fmt"

	"bptdb/bplustree"
	"bptdb/transaction_manager"
	"bptdb/types"
)

/*
Auto-commit operations run with xid 0, which every snapshot treats as
committed. Write flow: exclusive key lock (transactions only), WAL
append, tree mutation, value-cache invalidation. The dirty pages stay
in the node cache until the next checkpoint; durability of the log is
immediate in per-record sync mode and deferred to the syncer otherwise.
*/

type writeMode int

const (
	modeUpsert writeMode = iota
	modeInsertOnly
	modeUpdateOnly
)

// Get returns the value of key as it currently stands in the tree.
// Transactional writes reach the tree before their commit, so a write
// of a transaction that has not committed yet is visible here; only
// Txn.Get applies snapshot visibility.
func (db *DB) Get(key []byte) ([]byte, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	db.rebuildMu.RLock()
	defer db.rebuildMu.RUnlock()

	if db.vcache != nil {
		if val, ok := db.vcache.Get(string(key)); ok {
			return append([]byte(nil), val...), nil
		}
	}
	epoch := db.writeEpoch.Load()
	val, _, err := db.tree.Get(key)
	if err != nil {
		return nil, db.fail(err)
	}
	if db.vcache != nil {
		db.vcache.Set(string(key), val, int64(len(val)))
		// if a write slipped in since the tree read, drop the fill:
		// either our delete or the writer's lands last in the buffer,
		// and both remove the entry
		if epoch != db.writeEpoch.Load() {
			db.vcache.Del(string(key))
		}
	}
	return val, nil
}

// Put inserts or replaces key.
func (db *DB) Put(key, value []byte) error {
	if err := db.check(); err != nil {
		return err
	}
	return db.applyWrite(types.OpInsert, modeUpsert, key, value, nil)
}

// Insert stores key and fails with ErrKeyExists when it is present.
func (db *DB) Insert(key, value []byte) error {
	if err := db.check(); err != nil {
		return err
	}
	return db.applyWrite(types.OpInsert, modeInsertOnly, key, value, nil)
}

// Update replaces key and fails with ErrNotFound when it is absent.
func (db *DB) Update(key, value []byte) error {
	if err := db.check(); err != nil {
		return err
	}
	return db.applyWrite(types.OpUpdate, modeUpdateOnly, key, value, nil)
}

// Delete removes key. Deleting an absent key is a no-op.
func (db *DB) Delete(key []byte) error {
	if err := db.check(); err != nil {
		return err
	}
	return db.applyDelete(key, nil)
}

// enterMutation registers an in-flight mutation. Registering before
// re-checking the checkpoint flag closes the race where a mutation
// slips past a checkpoint that is about to drain the sync points.
func (db *DB) enterMutation() {
	for {
		db.syncPoint.Add(1)
		if !db.ckpt.Active() {
			return
		}
		db.syncPoint.Add(-1)
		db.ckpt.WaitWhileActive()
	}
}

func (db *DB) exitMutation() {
	db.syncPoint.Add(-1)
}

// applyWrite is the shared insert/update path for auto-commit and
// transactional writers.
func (db *DB) applyWrite(op types.OpType, mode writeMode, key, value []byte, tx *transaction_manager.Transaction) error {
	if err := bplustree.CheckLimit(key, value); err != nil {
		return err
	}
	db.rebuildMu.RLock()
	defer db.rebuildMu.RUnlock()

	xid := types.TrxID(0)
	if tx != nil {
		xid = tx.ID
		tx.LockExclusive(key)
		tx.EnterOp()
		defer tx.ExitOp()
	}
	db.enterMutation()
	defer db.exitMutation()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	prior, priorTrx, err := db.tree.Get(key)
	exists := err == nil
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return db.fail(err)
	}
	switch {
	case mode == modeInsertOnly && exists:
		return fmt.Errorf("%w: %q", types.ErrKeyExists, key)
	case mode == modeUpdateOnly && !exists:
		return fmt.Errorf("%w: %q", types.ErrNotFound, key)
	}

	db.wal.Append(op, xid, key, value)
	if err := db.tree.Put(key, value, xid); err != nil {
		return db.fail(err)
	}

	if tx != nil {
		if exists {
			// keep the displaced value readable for older snapshots
			db.trx.Versions().Add(key, prior, priorTrx)
			tx.PushUndo(types.OpUpdate, append([]byte(nil), key...), prior)
		} else {
			tx.PushUndo(types.OpInsert, append([]byte(nil), key...), nil)
		}
	}

	db.invalidate(key)
	if tx == nil && db.opts.WalSync == 0 {
		db.wal.FlushWAL(true)
	}
	return nil
}

// applyDelete is the shared delete path.
func (db *DB) applyDelete(key []byte, tx *transaction_manager.Transaction) error {
	if err := bplustree.CheckLimit(key, nil); err != nil {
		return err
	}
	db.rebuildMu.RLock()
	defer db.rebuildMu.RUnlock()

	xid := types.TrxID(0)
	if tx != nil {
		xid = tx.ID
		tx.LockExclusive(key)
		tx.EnterOp()
		defer tx.ExitOp()
	}
	db.enterMutation()
	defer db.exitMutation()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	prior, priorTrx, err := db.tree.Get(key)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return db.fail(err)
	}

	db.wal.Append(types.OpDelete, xid, key, nil)
	if _, err := db.tree.Delete(key); err != nil {
		return db.fail(err)
	}

	if tx != nil {
		db.trx.Versions().Add(key, prior, priorTrx)
		tx.PushUndo(types.OpDelete, append([]byte(nil), key...), prior)
	}

	db.invalidate(key)
	if tx == nil && db.opts.WalSync == 0 {
		db.wal.FlushWAL(true)
	}
	return nil
}

// applyCompensation replays one undo record during rollback. The write
// goes through the WAL like any other record; recovery ignores it
// anyway because a rolled-back xid never reaches the committed list.
func (db *DB) applyCompensation(xid types.TrxID, u transaction_manager.UndoLog) error {
	db.rebuildMu.RLock()
	defer db.rebuildMu.RUnlock()
	db.enterMutation()
	defer db.exitMutation()
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	switch u.Op {
	case types.OpInsert:
		// undo an insert by deleting the key
		db.wal.Append(types.OpDelete, xid, u.Key, nil)
		if _, err := db.tree.Delete(u.Key); err != nil {
			return db.fail(err)
		}
	case types.OpUpdate, types.OpDelete:
		// undo an update or delete by restoring the prior value
		db.wal.Append(types.OpUpdate, xid, u.Key, u.Value)
		if err := db.tree.Put(u.Key, u.Value, xid); err != nil {
			return db.fail(err)
		}
	}
	db.invalidate(u.Key)
	return nil
}

// invalidate drops key from the read-through cache and bumps the write
// epoch that guards in-flight cache fills. The Wait drains ristretto's
// buffer so a read right after the write cannot see the old value.
func (db *DB) invalidate(key []byte) {
	db.writeEpoch.Add(1)
	if db.vcache != nil {
		db.vcache.Del(string(key))
		db.vcache.Wait()
	}
}
