package transaction_manager

import (
	"runtime"

	"bptdb/types"
)

// Transaction state helpers used by the db façade, which drives the
// actual reads and writes against the tree.

// EnterOp/ExitOp bracket every transactional write so commit and
// rollback can wait for the transaction's in-flight work to drain.
func (tx *Transaction) EnterOp() { tx.syncPoint.Add(1) }
func (tx *Transaction) ExitOp()  { tx.syncPoint.Add(-1) }

// WaitSyncPoint spins until no operation is mid-flight.
func (tx *Transaction) WaitSyncPoint() {
	for tx.syncPoint.Load() != 0 {
		runtime.Gosched()
	}
}

// LockExclusive takes (or re-takes) the exclusive key lock. Holding it
// until End is what serializes conflicting writers.
func (tx *Transaction) LockExclusive(key []byte) {
	k := string(key)
	tx.latch.Lock()
	held := tx.xlockKeys[k]
	tx.latch.Unlock()
	if held {
		return
	}
	tx.mgr.locker.Lock(tx.ID, k, true)
	tx.latch.Lock()
	tx.xlockKeys[k] = true
	tx.latch.Unlock()
}

// HoldsXLock reports whether this transaction wrote key, i.e. the key
// is in its own write set.
func (tx *Transaction) HoldsXLock(key []byte) bool {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	return tx.xlockKeys[string(key)]
}

// PushUndo records the inverse information for one write.
func (tx *Transaction) PushUndo(op types.OpType, key, prior []byte) {
	tx.latch.Lock()
	tx.rollLogs = append(tx.rollLogs, UndoLog{Op: op, Key: key, Value: prior})
	tx.wrote = true
	tx.latch.Unlock()
}

// DrainUndo pops the undo stack in reverse order of the writes.
func (tx *Transaction) DrainUndo() []UndoLog {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	logs := make([]UndoLog, 0, len(tx.rollLogs))
	for i := len(tx.rollLogs) - 1; i >= 0; i-- {
		logs = append(logs, tx.rollLogs[i])
	}
	tx.rollLogs = nil
	return logs
}

// View returns the read view, capturing it on the first read.
func (tx *Transaction) View() *ReadView {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	if tx.view == nil {
		tx.view = tx.mgr.BuildReadView(tx.ID)
	}
	return tx.view
}

// TrackVersion pins a version record this transaction's snapshot
// depends on; End drops the references.
func (tx *Transaction) TrackVersion(v *VersionInfo) {
	tx.latch.Lock()
	if !tx.versionSet[v] {
		tx.versionSet[v] = true
		v.Ref()
	}
	tx.latch.Unlock()
}

// Wrote reports whether the transaction has any writes to make durable.
func (tx *Transaction) Wrote() bool {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	return tx.wrote
}

// MarkDone flips the transaction to finished; it reports false when it
// already was.
func (tx *Transaction) MarkDone() bool {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	if tx.done {
		return false
	}
	tx.done = true
	return true
}

func (tx *Transaction) Done() bool {
	tx.latch.Lock()
	defer tx.latch.Unlock()
	return tx.done
}
