package checkpoint_manager

import (
	"sync"
	"time"

	"bptdb/types"
)

/*
A checkpoint is the synchronized moment at which dirty pages reach the
data file and the redo log is truncated. The ordering is what makes it
safe:

  1. stall new transactions, wait for the active ones to finish
  2. raise the active flag, stalling new mutations
  3. wait for in-flight mutations to drain their sync points
  4. flush the WAL and fsync it (write-ahead rule: the log covering a
     page mutation is durable before the page itself)
  5. flush the node cache, the root and the header, fsync
  6. rotate the redo log and truncate the committed-xid file
  7. release everything
*/

func New(engine Engine, intervalSeconds int, logger *types.Logger) *CheckpointManager {
	cm := &CheckpointManager{
		engine:   engine,
		interval: time.Duration(intervalSeconds) * time.Second,
		quit:     make(chan struct{}),
		logger:   logger,
	}
	cm.cond = sync.NewCond(&cm.mu)
	return cm
}

// Start launches the periodic checkpoint loop.
func (cm *CheckpointManager) Start() {
	cm.wg.Add(1)
	go cm.loop()
}

func (cm *CheckpointManager) loop() {
	defer cm.wg.Done()
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-cm.quit:
			return
		case <-ticker.C:
			if err := cm.Force(); err != nil {
				cm.logger.Printf("[checkpoint] failed: %v", err)
				cm.engine.Poison(err)
				return
			}
		}
	}
}

// Force runs one full checkpoint synchronously.
func (cm *CheckpointManager) Force() error {
	cm.runMu.Lock()
	defer cm.runMu.Unlock()

	if cm.engine.HasActiveTrx() {
		cm.engine.BlockNewTrx(true)
		cm.engine.WaitNoActiveTrx()
	} else {
		cm.engine.BlockNewTrx(true)
	}
	cm.setActive(true)
	defer func() {
		cm.engine.BlockNewTrx(false)
		cm.setActive(false)
	}()

	// drain in-flight mutations first so their records are in the WAL
	// buffer, then make the WAL durable before any page is written
	cm.engine.WaitSyncPoints()
	cm.engine.FlushWALWait()
	if err := cm.engine.FlushPool(); err != nil {
		return err
	}
	if err := cm.engine.RotateWAL(); err != nil {
		return err
	}
	if err := cm.engine.TruncateXidFiles(); err != nil {
		return err
	}
	cm.logger.Printf("[checkpoint] completed")
	return nil
}

func (cm *CheckpointManager) setActive(on bool) {
	cm.mu.Lock()
	cm.active.Store(on)
	if !on {
		cm.cond.Broadcast()
	}
	cm.mu.Unlock()
}

// Active reports whether a checkpoint is in progress.
func (cm *CheckpointManager) Active() bool {
	return cm.active.Load()
}

// WaitWhileActive parks the caller until the in-progress checkpoint
// finishes.
func (cm *CheckpointManager) WaitWhileActive() {
	if !cm.active.Load() {
		return
	}
	cm.mu.Lock()
	for cm.active.Load() {
		cm.cond.Wait()
	}
	cm.mu.Unlock()
}

// Stop ends the periodic loop. A final checkpoint is the caller's job.
func (cm *CheckpointManager) Stop() {
	select {
	case <-cm.quit:
	default:
		close(cm.quit)
	}
	cm.wg.Wait()
}
