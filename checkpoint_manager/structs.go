package checkpoint_manager

import (
	"sync"
	"sync/atomic"
	"time"

	"bptdb/types"
)

// Engine is what the checkpointer needs from the database: quiescing
// transactions and mutators, making the WAL durable first, flushing the
// node cache, and truncating the log plus the committed-xid file.
type Engine interface {
	HasActiveTrx() bool
	BlockNewTrx(block bool)
	WaitNoActiveTrx()
	FlushWALWait()
	WaitSyncPoints()
	FlushPool() error
	RotateWAL() error
	TruncateXidFiles() error
	// Poison flags the engine after a fatal background error.
	Poison(err error)
}

// CheckpointManager runs the periodic checkpoint loop. While a
// checkpoint is in progress the active flag stalls new mutations; the
// engine polls it through WaitWhileActive.
type CheckpointManager struct {
	engine   Engine
	interval time.Duration

	active atomic.Bool
	mu     sync.Mutex
	cond   *sync.Cond

	runMu sync.Mutex // one checkpoint at a time

	quit chan struct{}
	wg   sync.WaitGroup

	logger *types.Logger
}
