package wal_manager

import (
	"fmt"
	"os"
	"sync"
	"time"

	"bptdb/codec"
	"bptdb/types"
)

/*
WAL Record
──────────────────────────────────────────────────────
| OP (1) | XID (8) | KLEN (1) | KEY | VLEN (4) | VAL |
──────────────────────────────────────────────────────
VLEN and VAL are present for Insert and Update only.

Replay filters by the committed-xid set: records of transactions that
never reached the commit file are skipped, which is what makes logging
undo writes as ordinary records safe.
*/

// Open opens or creates the redo log. hadLog reports whether a
// non-empty log was found, i.e. recovery has work to do.
func Open(path string, opts *types.Options, logger *types.Logger, onFatal func(error)) (*WALManager, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open %s: %v", types.ErrIO, path, err)
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("%w: stat %s: %v", types.ErrIO, path, err)
	}
	w := &WALManager{
		path:         path,
		file:         file,
		syncMode:     opts.WalSync,
		syncBufSize:  opts.WalSyncBufferSize,
		wakeInterval: time.Duration(opts.WalWakeInterval) * time.Second,
		kick:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		onFatal:      onFatal,
		logger:       logger,
	}
	w.cond = sync.NewCond(&w.mu)
	return w, st.Size() > 0, nil
}

// Start launches the background sync goroutine. Called after recovery
// so replay never races the syncer.
func (w *WALManager) Start() {
	w.wg.Add(1)
	go w.syncLoop()
}

// SetRecovery toggles replay mode, during which appends are dropped.
func (w *WALManager) SetRecovery(on bool) {
	w.mu.Lock()
	w.recovery = on
	w.mu.Unlock()
}

// Append encodes one record into the write buffer and signals the
// syncer according to the configured sync mode.
func (w *WALManager) Append(op types.OpType, xid types.TrxID, key, value []byte) {
	w.mu.Lock()
	if w.recovery {
		w.mu.Unlock()
		return
	}
	before := len(w.writeBuf)
	w.writeBuf = codec.PutUint8(w.writeBuf, byte(op))
	w.writeBuf = codec.PutUint64(w.writeBuf, xid)
	w.writeBuf = codec.PutUint8(w.writeBuf, uint8(len(key)))
	w.writeBuf = append(w.writeBuf, key...)
	if op != types.OpDelete {
		w.writeBuf = codec.PutUint32(w.writeBuf, uint32(len(value)))
		w.writeBuf = append(w.writeBuf, value...)
	}
	w.appended += uint64(len(w.writeBuf) - before)
	bufLen := len(w.writeBuf)
	w.mu.Unlock()

	if w.syncMode == SyncEveryRecord || bufLen >= w.syncBufSize {
		w.signal()
	}
}

// FlushWAL makes everything appended so far durable. With wait=false it
// only nudges the syncer.
func (w *WALManager) FlushWAL(wait bool) {
	w.mu.Lock()
	target := w.appended
	w.mu.Unlock()
	w.signal()
	if !wait {
		return
	}
	w.mu.Lock()
	for w.flushed < target {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

func (w *WALManager) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *WALManager) syncLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.wakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case <-w.kick:
			w.drain()
		case <-ticker.C:
			w.drain()
		}
	}
}

// drain writes the buffered records out and fsyncs.
func (w *WALManager) drain() {
	w.mu.Lock()
	buf := w.writeBuf
	w.writeBuf = nil
	file := w.file
	w.mu.Unlock()
	if len(buf) == 0 {
		return
	}
	var err error
	if _, err = file.Write(buf); err == nil {
		err = file.Sync()
	}
	w.mu.Lock()
	w.flushed += uint64(len(buf))
	w.cond.Broadcast()
	w.mu.Unlock()
	if err != nil && w.onFatal != nil {
		w.onFatal(fmt.Errorf("%w: wal sync: %v", types.ErrIO, err))
	}
}

// Rotate unlinks the log and starts a fresh one. The checkpointer calls
// this after a FlushWAL(wait=true) with all mutators quiesced, so the
// buffer is empty.
func (w *WALManager) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close wal: %v", types.ErrIO, err)
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: unlink wal: %v", types.ErrIO, err)
	}
	file, err := os.OpenFile(w.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: reopen wal: %v", types.ErrIO, err)
	}
	w.file = file
	return nil
}

// Replay decodes the whole log and applies every record whose xid is in
// the committed set. A record that fails to decode mid-way fails the
// replay.
func (w *WALManager) Replay(committed map[types.TrxID]bool, apply func(op types.OpType, xid types.TrxID, key, value []byte) error) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("%w: read wal: %v", types.ErrIO, err)
	}
	r := codec.NewReader(data)
	var applied, skipped int
	for r.Remaining() > 0 {
		op := types.OpType(r.Uint8())
		xid := r.Uint64()
		key := r.Bytes(int(r.Uint8()))
		var value []byte
		if op == types.OpInsert || op == types.OpUpdate {
			value = r.Bytes(int(r.Uint32()))
		} else if op != types.OpDelete {
			return fmt.Errorf("%w: wal replay: unknown op %d", types.ErrBadFile, op)
		}
		if r.Err() {
			return fmt.Errorf("%w: wal replay: truncated record", types.ErrBadFile)
		}
		if !committed[xid] {
			skipped++
			continue
		}
		if err := apply(op, xid, key, value); err != nil {
			return fmt.Errorf("wal replay apply: %w", err)
		}
		applied++
	}
	w.logger.Printf("[wal] replayed %d records, skipped %d uncommitted", applied, skipped)
	return nil
}

// Close stops the syncer, drains any remaining records and closes the
// file.
func (w *WALManager) Close() error {
	close(w.quit)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("%w: close wal: %v", types.ErrIO, err)
	}
	return nil
}
