package transaction_manager

import (
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"bptdb/types"
)

/*
The transaction manager owns the transaction lifecycle: xid allocation,
the active-transaction map, the striped key locker, the MVCC version
store, and the two persistent xid files:

  trx_info     one 8-byte xid per begin(), replaced at checkpoint with
               just the current high-water xid
  trx_xid_list one 8-byte xid per committed transaction, truncated at
               each checkpoint; recovery treats exactly these xids
               (plus the auto-commit sentinel 0) as committed
*/

type UndoLog struct {
	Op    types.OpType
	Key   []byte
	Value []byte // prior value for Update/Delete, nil for Insert
}

type Transaction struct {
	ID  types.TrxID
	mgr *TrxManager

	latch      sync.Mutex
	view       *ReadView
	rollLogs   []UndoLog
	xlockKeys  map[string]bool
	versionSet map[*VersionInfo]bool
	wrote      bool
	done       bool

	// in-flight operation counter, drained by commit and rollback
	syncPoint atomic.Int32
}

type TrxManager struct {
	dir string

	trxLatch  sync.Mutex
	gTrxID    types.TrxID
	activeTrx map[types.TrxID]*Transaction
	idleCond  *sync.Cond // broadcast when the active map empties

	infoFile *os.File
	xidFile  *os.File
	infoPath string
	xidPath  string

	// blocks new begin() calls while a checkpoint is pending
	blocking  atomic.Bool
	blockMu   sync.Mutex
	blockCond *sync.Cond

	locker   *Locker
	versions *VersionStore

	logger *types.Logger
}

// ReadView is the snapshot taken at a transaction's first read.
type ReadView struct {
	TrxIDs      []types.TrxID // sorted xids active at capture time
	UpTrxID     types.TrxID   // next xid to be assigned
	CreateTrxID types.TrxID   // the owning transaction
}

// Visible reports whether a value written by dataID is visible.
func (v *ReadView) Visible(dataID types.TrxID) bool {
	if dataID == v.CreateTrxID {
		return true
	}
	if len(v.TrxIDs) > 0 && dataID < v.TrxIDs[0] {
		return true
	}
	if dataID < v.UpTrxID {
		i := sort.Search(len(v.TrxIDs), func(i int) bool { return v.TrxIDs[i] >= dataID })
		return i == len(v.TrxIDs) || v.TrxIDs[i] != dataID
	}
	return false
}
