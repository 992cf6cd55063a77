package transaction_manager

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"bptdb/types"
)

/*
The version store keeps prior values of transactionally written keys so
snapshot readers can see past states. It is sharded 64 ways by key
hash; each shard maps a key to its version chain, newest first. Stored
bytes are tallied atomically and an asynchronous purge drops
unreferenced versions once the tally crosses the threshold.
*/

const (
	versionStripes  = 64
	memoryThreshold = 16 * 1024 * 1024
)

type VersionInfo struct {
	trxID  types.TrxID
	value  []byte
	refcnt atomic.Int32
}

func (v *VersionInfo) TrxID() types.TrxID { return v.trxID }
func (v *VersionInfo) Value() []byte      { return v.value }
func (v *VersionInfo) Ref()               { v.refcnt.Add(1) }
func (v *VersionInfo) Unref()             { v.refcnt.Add(-1) }

type versionShard struct {
	mu   sync.RWMutex
	keys map[string][]*VersionInfo // newest first
}

type VersionStore struct {
	shards  [versionStripes]*versionShard
	memory  atomic.Int64
	purging atomic.Bool
	logger  *types.Logger
}

func NewVersionStore(logger *types.Logger) *VersionStore {
	vs := &VersionStore{logger: logger}
	for i := range vs.shards {
		vs.shards[i] = &versionShard{keys: make(map[string][]*VersionInfo)}
	}
	return vs
}

func (vs *VersionStore) shard(key string) *versionShard {
	return vs.shards[xxhash.Sum64String(key)%versionStripes]
}

// Add prepends a version of key as written by trxID.
func (vs *VersionStore) Add(key []byte, value []byte, trxID types.TrxID) {
	k := string(key)
	s := vs.shard(k)
	v := &VersionInfo{trxID: trxID, value: append([]byte(nil), value...)}
	s.mu.Lock()
	if _, ok := s.keys[k]; !ok {
		vs.memory.Add(int64(32 + len(k)))
	}
	s.keys[k] = append([]*VersionInfo{v}, s.keys[k]...)
	s.mu.Unlock()
	vs.memory.Add(int64(48 + len(value)))

	if vs.memory.Load() >= memoryThreshold && vs.purging.CompareAndSwap(false, true) {
		go vs.purge()
	}
}

// Get returns the newest version of key visible to the given view, or
// nil. The caller pins the result with TrackVersion before using it.
func (vs *VersionStore) Get(key []byte, view *ReadView) *VersionInfo {
	k := string(key)
	s := vs.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.keys[k] {
		if view.Visible(v.trxID) {
			return v
		}
	}
	return nil
}

// purge drops versions nobody references anymore.
func (vs *VersionStore) purge() {
	defer vs.purging.Store(false)
	before := vs.memory.Load()
	for _, s := range vs.shards {
		s.mu.Lock()
		for key, versions := range s.keys {
			kept := versions[:0]
			for _, v := range versions {
				if v.refcnt.Load() == 0 {
					vs.memory.Add(-int64(48 + len(v.value)))
				} else {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				delete(s.keys, key)
				vs.memory.Add(-int64(32 + len(key)))
			} else {
				s.keys[key] = kept
			}
		}
		s.mu.Unlock()
	}
	vs.logger.Printf("[versions] purged %s down to %s",
		humanize.IBytes(uint64(max(before, 0))), humanize.IBytes(uint64(max(vs.memory.Load(), 0))))
}

// MemoryUsage reports the tracked version-store footprint in bytes.
func (vs *VersionStore) MemoryUsage() int64 {
	return vs.memory.Load()
}
