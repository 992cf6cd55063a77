package db

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sys/unix"

	"bptdb/bplustree"
	"bptdb/checkpoint_manager"
	"bptdb/disk_manager"
	"bptdb/transaction_manager"
	"bptdb/types"
	"bptdb/wal_manager"
)

/*
DB is the embedded store façade. A database is a directory:

  dump.db       header page plus fixed-size pages (page id = offset)
  redo.log      append-only WAL, recreated fresh after each checkpoint
  trx_info      one 8-byte xid per begin()
  trx_xid_list  one 8-byte xid per committed transaction
  lock          zero-byte advisory lock excluding other processes

One process owns the directory; concurrent use from many goroutines of
that process is fine.
*/

const (
	dataFileName = "dump.db"
	walFileName  = "redo.log"
	lockFileName = "lock"
)

type DB struct {
	dir    string
	opts   types.Options
	logger *types.Logger

	lockFile *os.File
	dm       *disk_manager.DiskManager
	tree     *bplustree.BPlusTree
	wal      *wal_manager.WALManager
	trx      *transaction_manager.TrxManager
	ckpt     *checkpoint_manager.CheckpointManager
	vcache   *ristretto.Cache[string, []byte]

	// serializes WAL append + tree mutation pairs so the log order
	// matches the apply order
	writeMu sync.Mutex
	// in-flight mutation counter, drained before a cache flush
	syncPoint atomic.Int32
	// bumped on every write; read-through cache fills check it to
	// avoid racing a stale value past an invalidation
	writeEpoch atomic.Uint64
	// rebuild swaps the whole directory; ops hold it shared
	rebuildMu sync.RWMutex

	poisoned  atomic.Bool
	poisonMu  sync.Mutex
	poisonErr error
	closed    atomic.Bool
}

// Open opens or creates the database directory.
func Open(dir string, opts types.Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", types.ErrIO, dir, err)
	}
	db := &DB{
		dir:    dir,
		opts:   opts,
		logger: types.NewLogger(opts.Quiet),
	}
	if err := db.openComponents(); err != nil {
		return nil, err
	}
	return db, nil
}

// openComponents runs the full open sequence. Rebuild reuses it after
// swapping directories.
func (db *DB) openComponents() (err error) {
	defer func() {
		if err != nil {
			db.closePartial()
		}
	}()

	if err = db.lockDir(); err != nil {
		return err
	}
	created := false
	db.dm, created, err = disk_manager.Open(filepath.Join(db.dir, dataFileName), db.opts.PageSize, db.logger)
	if err != nil {
		return err
	}
	if !created && int(db.dm.Header().PageSize) != db.opts.PageSize {
		db.logger.Printf("[db] page_size %d baked into %s overrides option %d",
			db.dm.Header().PageSize, db.dir, db.opts.PageSize)
		db.opts.PageSize = int(db.dm.Header().PageSize)
	}
	db.tree, err = bplustree.Open(db.dm, db.opts.KeyComparator, db.opts.PageCacheSlots, db.logger)
	if err != nil {
		return err
	}
	db.trx, err = transaction_manager.Open(db.dir, db.logger)
	if err != nil {
		return err
	}
	var hadLog bool
	db.wal, hadLog, err = wal_manager.Open(filepath.Join(db.dir, walFileName), &db.opts, db.logger, db.poison)
	if err != nil {
		return err
	}
	db.ckpt = checkpoint_manager.New(db, db.opts.CheckPointInterval, db.logger)
	if hadLog {
		if err = db.recover(); err != nil {
			return err
		}
	}
	db.wal.Start()
	db.ckpt.Start()

	if db.opts.ValueCacheSize > 0 {
		db.vcache, err = ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters: db.opts.ValueCacheSize / 64,
			MaxCost:     db.opts.ValueCacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return fmt.Errorf("%w: value cache: %v", types.ErrBadConfig, err)
		}
	}
	db.closed.Store(false)
	return nil
}

// lockDir takes the exclusive advisory lock on <dir>/lock.
func (db *DB) lockDir() error {
	f, err := os.OpenFile(filepath.Join(db.dir, lockFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: open lock file: %v", types.ErrIO, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", types.ErrLockBusy, db.dir)
		}
		return fmt.Errorf("%w: flock: %v", types.ErrIO, err)
	}
	db.lockFile = f
	return nil
}

func (db *DB) unlockDir() {
	if db.lockFile != nil {
		unix.Flock(int(db.lockFile.Fd()), unix.LOCK_UN)
		db.lockFile.Close()
		db.lockFile = nil
	}
}

// Close rolls back abandoned transactions, runs a final checkpoint,
// stops the background goroutines and releases the directory lock.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, tx := range db.trx.ActiveTransactions() {
		db.rollbackTx(tx)
	}
	db.ckpt.Stop()
	var firstErr error
	if !db.poisoned.Load() {
		if err := db.ckpt.Force(); err != nil {
			firstErr = err
		}
	}
	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.trx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.dm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if db.vcache != nil {
		db.vcache.Close()
		db.vcache = nil
	}
	db.unlockDir()
	return firstErr
}

// closePartial tears down whatever a failed open managed to set up.
func (db *DB) closePartial() {
	if db.ckpt != nil {
		db.ckpt.Stop()
		db.ckpt = nil
	}
	if db.wal != nil {
		db.wal.Close()
		db.wal = nil
	}
	if db.trx != nil {
		db.trx.Close()
		db.trx = nil
	}
	if db.dm != nil {
		db.dm.Close()
		db.dm = nil
	}
	if db.vcache != nil {
		db.vcache.Close()
		db.vcache = nil
	}
	db.unlockDir()
}

// poison marks the DB unusable after a fatal error. Also handed to the
// background goroutines.
func (db *DB) poison(err error) {
	db.poisonMu.Lock()
	if db.poisonErr == nil {
		db.poisonErr = err
	}
	db.poisonMu.Unlock()
	if db.poisoned.CompareAndSwap(false, true) {
		db.logger.Printf("[db] poisoned: %v", err)
	}
}

// check gates every public entry point.
func (db *DB) check() error {
	if db.closed.Load() {
		return types.ErrClosed
	}
	if db.poisoned.Load() {
		db.poisonMu.Lock()
		err := db.poisonErr
		db.poisonMu.Unlock()
		return fmt.Errorf("%w: %v", types.ErrPoisoned, err)
	}
	return nil
}

// fail classifies an internal error: the benign kinds pass through,
// anything else poisons the DB.
func (db *DB) fail(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrKeyExists) ||
		errors.Is(err, types.ErrLimitExceeded) {
		return err
	}
	db.poison(err)
	return err
}

// ---- checkpoint_manager.Engine ----

func (db *DB) HasActiveTrx() bool      { return db.trx.HaveActive() }
func (db *DB) Poison(err error)        { db.poison(err) }
func (db *DB) BlockNewTrx(block bool)  { db.trx.SetBlocking(block) }
func (db *DB) WaitNoActiveTrx()        { db.trx.WaitNoActive() }
func (db *DB) FlushWALWait()           { db.wal.FlushWAL(true) }
func (db *DB) FlushPool() error        { return db.tree.FlushAll() }
func (db *DB) RotateWAL() error        { return db.wal.Rotate() }
func (db *DB) TruncateXidFiles() error { return db.trx.ClearXidFiles() }

func (db *DB) WaitSyncPoints() {
	for db.syncPoint.Load() != 0 {
		runtime.Gosched()
	}
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	KeyNums       uint64
	CachedNodes   int
	FreePages     uint64
	OverPages     uint64
	VersionMemory int64
}

func (db *DB) Stats() Stats {
	ts := db.tree.Stats()
	return Stats{
		KeyNums:       ts.KeyNums,
		CachedNodes:   ts.CachedNodes,
		FreePages:     ts.FreePages,
		OverPages:     ts.OverPages,
		VersionMemory: db.trx.Versions().MemoryUsage(),
	}
}

// CheckIntegrity runs the structural tree invariants. Test helper.
func (db *DB) CheckIntegrity() error {
	return db.tree.CheckIntegrity()
}

// Dump writes a human-readable dump of the tree to w.
func (db *DB) Dump(w io.Writer) error {
	if err := db.check(); err != nil {
		return err
	}
	return db.tree.Dump(w)
}
