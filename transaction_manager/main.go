package transaction_manager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"bptdb/codec"
	"bptdb/types"
)

const (
	infoFileName = "trx_info"
	xidFileName  = "trx_xid_list"
)

func Open(dir string, logger *types.Logger) (*TrxManager, error) {
	tm := &TrxManager{
		dir:       dir,
		activeTrx: make(map[types.TrxID]*Transaction),
		infoPath:  filepath.Join(dir, infoFileName),
		xidPath:   filepath.Join(dir, xidFileName),
		locker:    NewLocker(),
		versions:  NewVersionStore(logger),
		logger:    logger,
	}
	tm.idleCond = sync.NewCond(&tm.trxLatch)
	tm.blockCond = sync.NewCond(&tm.blockMu)

	var err error
	if tm.infoFile, err = os.OpenFile(tm.infoPath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644); err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrIO, tm.infoPath, err)
	}
	if tm.xidFile, err = os.OpenFile(tm.xidPath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644); err != nil {
		tm.infoFile.Close()
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrIO, tm.xidPath, err)
	}
	// the highest xid ever issued seeds the allocator
	ids, err := readXidFile(tm.infoPath)
	if err != nil {
		tm.Close()
		return nil, err
	}
	for _, id := range ids {
		if id > tm.gTrxID {
			tm.gTrxID = id
		}
	}
	return tm, nil
}

// Begin allocates a transaction. It blocks while a checkpoint is
// pending so the checkpointer can reach a quiescent moment.
func (tm *TrxManager) Begin() (*Transaction, error) {
	tm.blockMu.Lock()
	for tm.blocking.Load() {
		tm.blockCond.Wait()
	}
	tm.blockMu.Unlock()

	tx := &Transaction{
		mgr:        tm,
		xlockKeys:  make(map[string]bool),
		versionSet: make(map[*VersionInfo]bool),
	}
	tm.trxLatch.Lock()
	tm.gTrxID++
	tx.ID = tm.gTrxID
	tm.activeTrx[tx.ID] = tx
	tm.trxLatch.Unlock()

	if err := appendXid(tm.infoFile, tx.ID); err != nil {
		tm.trxLatch.Lock()
		delete(tm.activeTrx, tx.ID)
		tm.trxLatch.Unlock()
		return nil, err
	}
	return tx, nil
}

// End releases everything a finished transaction holds: its exclusive
// key locks, its version references, and its slot in the active map.
// A commit appends the xid to the committed-xid file; a rollback does
// not, so recovery skips every record of a rolled-back transaction.
func (tm *TrxManager) End(tx *Transaction, committed bool) error {
	for key := range tx.xlockKeys {
		tm.locker.Unlock(tx.ID, key)
	}
	for v := range tx.versionSet {
		v.Unref()
	}
	if committed {
		if err := appendXid(tm.xidFile, tx.ID); err != nil {
			return err
		}
	}
	tm.trxLatch.Lock()
	delete(tm.activeTrx, tx.ID)
	if len(tm.activeTrx) == 0 {
		tm.idleCond.Broadcast()
	}
	tm.trxLatch.Unlock()
	return nil
}

// BuildReadView captures the MVCC snapshot for trxID.
func (tm *TrxManager) BuildReadView(trxID types.TrxID) *ReadView {
	tm.trxLatch.Lock()
	defer tm.trxLatch.Unlock()
	view := &ReadView{
		UpTrxID:     tm.gTrxID + 1,
		CreateTrxID: trxID,
	}
	for id := range tm.activeTrx {
		view.TrxIDs = append(view.TrxIDs, id)
	}
	sort.Slice(view.TrxIDs, func(i, j int) bool { return view.TrxIDs[i] < view.TrxIDs[j] })
	return view
}

func (tm *TrxManager) HaveActive() bool {
	tm.trxLatch.Lock()
	defer tm.trxLatch.Unlock()
	return len(tm.activeTrx) > 0
}

// ActiveTransactions snapshots the in-flight transactions, used by
// Close to roll back whatever the caller abandoned.
func (tm *TrxManager) ActiveTransactions() []*Transaction {
	tm.trxLatch.Lock()
	defer tm.trxLatch.Unlock()
	txs := make([]*Transaction, 0, len(tm.activeTrx))
	for _, tx := range tm.activeTrx {
		txs = append(txs, tx)
	}
	return txs
}

// SetBlocking stalls (true) or releases (false) new Begin calls.
func (tm *TrxManager) SetBlocking(on bool) {
	tm.blocking.Store(on)
	if !on {
		tm.blockMu.Lock()
		tm.blockCond.Broadcast()
		tm.blockMu.Unlock()
	}
}

// WaitNoActive blocks until the active map is empty.
func (tm *TrxManager) WaitNoActive() {
	tm.trxLatch.Lock()
	for len(tm.activeTrx) > 0 {
		tm.idleCond.Wait()
	}
	tm.trxLatch.Unlock()
}

// XidSet returns the set of committed xids for WAL replay. Xid 0, the
// auto-commit sentinel, is always considered committed.
func (tm *TrxManager) XidSet() (map[types.TrxID]bool, error) {
	ids, err := readXidFile(tm.xidPath)
	if err != nil {
		return nil, err
	}
	set := make(map[types.TrxID]bool, len(ids)+1)
	set[0] = true
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// ClearXidFiles is the checkpoint truncation: the committed-xid list is
// no longer needed, and trx_info shrinks to just the current high-water
// xid via the usual write-temp-then-rename dance.
func (tm *TrxManager) ClearXidFiles() error {
	if err := tm.xidFile.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", types.ErrIO, tm.xidPath, err)
	}
	if err := os.Remove(tm.xidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: unlink %s: %v", types.ErrIO, tm.xidPath, err)
	}
	var err error
	if tm.xidFile, err = os.OpenFile(tm.xidPath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644); err != nil {
		return fmt.Errorf("%w: reopen %s: %v", types.ErrIO, tm.xidPath, err)
	}

	tm.trxLatch.Lock()
	g := tm.gTrxID
	tm.trxLatch.Unlock()
	tmpPath := tm.infoPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", types.ErrIO, tmpPath, err)
	}
	if err := appendXid(tmp, g); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", types.ErrIO, tmpPath, err)
	}
	// rename is atomic, the worst crash outcome keeps the old trx_info
	if err := os.Rename(tmpPath, tm.infoPath); err != nil {
		return fmt.Errorf("%w: rename %s: %v", types.ErrIO, tmpPath, err)
	}
	if err := tm.infoFile.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", types.ErrIO, tm.infoPath, err)
	}
	if tm.infoFile, err = os.OpenFile(tm.infoPath, os.O_RDWR|os.O_APPEND, 0644); err != nil {
		return fmt.Errorf("%w: reopen %s: %v", types.ErrIO, tm.infoPath, err)
	}
	return nil
}

func (tm *TrxManager) Versions() *VersionStore { return tm.versions }

func (tm *TrxManager) Close() error {
	var firstErr error
	if tm.infoFile != nil {
		if err := tm.infoFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		tm.infoFile = nil
	}
	if tm.xidFile != nil {
		if err := tm.xidFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		tm.xidFile = nil
	}
	return firstErr
}

// appendXid writes one xid and fsyncs. Appends on the same fd from
// multiple goroutines are safe with O_APPEND.
func appendXid(f *os.File, xid types.TrxID) error {
	if _, err := f.Write(codec.PutUint64(nil, xid)); err != nil {
		return fmt.Errorf("%w: append xid: %v", types.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync xid file: %v", types.ErrIO, err)
	}
	return nil
}

func readXidFile(path string) ([]types.TrxID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrIO, path, err)
	}
	r := codec.NewReader(data)
	var ids []types.TrxID
	for r.Remaining() >= 8 {
		ids = append(ids, r.Uint64())
	}
	return ids, nil
}
