package db

import (
	"fmt"
	"os"

	"bptdb/types"
)

// Rebuild compacts the database: every key/value is copied into a
// fresh database built in <dir>.tmp, which then takes the place of the
// current directory. The swap is two renames, <dir> to <dir>.old and
// then <dir>.tmp to <dir>, so it is not atomic: between the two renames
// no directory exists at <dir>. The DB reopens in place afterwards.
func (db *DB) Rebuild() error {
	if err := db.check(); err != nil {
		return err
	}
	// quiesce: no new transactions, no in-flight operations
	db.trx.SetBlocking(true)
	db.trx.WaitNoActive()
	db.rebuildMu.Lock()
	locked := true
	defer func() {
		if locked {
			db.rebuildMu.Unlock()
		}
		db.trx.SetBlocking(false)
	}()
	db.WaitSyncPoints()

	tmpDir := db.dir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("%w: clear %s: %v", types.ErrIO, tmpDir, err)
	}
	topts := db.opts
	topts.ValueCacheSize = 0
	tmp, err := Open(tmpDir, topts)
	if err != nil {
		return err
	}
	it := db.tree.NewIterator()
	for it.SeekFirst(); it.Valid(); it.Next() {
		if err := tmp.Put(it.Key(), it.Value()); err != nil {
			it.Close()
			tmp.Close()
			os.RemoveAll(tmpDir)
			return db.fail(err)
		}
	}
	it.Close()
	// Close checkpoints the copy, so the new directory is durable
	if err := tmp.Close(); err != nil {
		os.RemoveAll(tmpDir)
		return db.fail(err)
	}

	// retire the current incarnation: background loops, files, lock
	db.ckpt.Stop()
	db.wal.Close()
	db.trx.Close()
	db.dm.Close()
	if db.vcache != nil {
		db.vcache.Close()
		db.vcache = nil
	}
	db.unlockDir()

	oldDir := db.dir + ".old"
	if err := os.Rename(db.dir, oldDir); err != nil {
		err = fmt.Errorf("%w: rename %s: %v", types.ErrIO, db.dir, err)
		db.poison(err)
		return err
	}
	if err := os.Rename(tmpDir, db.dir); err != nil {
		err = fmt.Errorf("%w: rename %s: %v", types.ErrIO, tmpDir, err)
		db.poison(err)
		return err
	}
	if err := os.RemoveAll(oldDir); err != nil {
		db.logger.Printf("[db] rebuild: could not remove %s: %v", oldDir, err)
	}

	// reopen in place over the rebuilt directory
	db.rebuildMu.Unlock()
	locked = false
	if err := db.openComponents(); err != nil {
		db.poison(err)
		return err
	}
	db.logger.Printf("[db] rebuild complete: %d keys", db.dm.Header().KeyNums)
	return nil
}
