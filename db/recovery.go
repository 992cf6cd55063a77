package db

import "bptdb/types"

/*
Recovery runs at open when a redo log is present: the committed-xid set
is rebuilt from trx_xid_list (plus the auto-commit sentinel 0), the log
is replayed record by record for exactly those xids, and a forced
checkpoint then persists the recovered state and starts a fresh log.
*/

func (db *DB) recover() error {
	committed, err := db.trx.XidSet()
	if err != nil {
		return err
	}
	db.wal.SetRecovery(true)
	err = db.wal.Replay(committed, func(op types.OpType, xid types.TrxID, key, value []byte) error {
		switch op {
		case types.OpInsert, types.OpUpdate:
			return db.tree.Put(key, value, xid)
		case types.OpDelete:
			_, derr := db.tree.Delete(key)
			return derr
		}
		return nil
	})
	db.wal.SetRecovery(false)
	if err != nil {
		return err
	}
	// persist the recovered state and retire the old log
	return db.ckpt.Force()
}
