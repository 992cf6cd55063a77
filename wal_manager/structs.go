package wal_manager

import (
	"os"
	"sync"
	"time"

	"bptdb/types"
)

const (
	// SyncEveryRecord fsyncs after every appended record.
	SyncEveryRecord = 0
	// SyncBuffered fsyncs when the write buffer fills up, on the wake
	// interval, or on an explicit FlushWAL(wait=true).
	SyncBuffered = 1
)

// WALManager is the append-only redo log. Appends go to an in-memory
// buffer; a background goroutine writes the buffer out and fsyncs.
// Commit durability comes from FlushWAL(wait=true).
type WALManager struct {
	path string

	mu       sync.Mutex
	cond     *sync.Cond // signals flush progress to waiters
	file     *os.File
	writeBuf []byte
	appended uint64 // total bytes ever appended
	flushed  uint64 // total bytes written out and fsync'd
	recovery bool   // replay in progress, appends are dropped

	syncMode     int
	syncBufSize  int
	wakeInterval time.Duration

	kick    chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
	onFatal func(error) // poisons the DB from the background goroutine

	logger *types.Logger
}
