package types

import "fmt"

/*
Options recognized at open time. PageSize is baked into the data file:
once a database is created, the on-disk value wins over the option.
*/

type Options struct {
	// PageSize must be one of 4K, 8K, 16K, 32K, 64K.
	PageSize int
	// PageCacheSlots is the node cache LRU capacity, clamped to >= 128.
	PageCacheSlots int
	// WalSync: 0 = fsync after every record, 1 = buffered fsync.
	WalSync int
	// WalSyncBufferSize triggers a background sync in buffered mode.
	WalSyncBufferSize int
	// WalWakeInterval (seconds) between forced background WAL flushes.
	WalWakeInterval int
	// CheckPointInterval (seconds) between scheduled checkpoints.
	CheckPointInterval int
	// KeyComparator orders keys; nil means lexicographic.
	KeyComparator Comparator
	// ValueCacheSize (bytes) for the read-through value cache on
	// non-transactional Get. 0 disables the cache.
	ValueCacheSize int64
	// Quiet suppresses log output (used by tests).
	Quiet bool
}

func DefaultOptions() Options {
	return Options{
		PageSize:           16 * 1024,
		PageCacheSlots:     1024,
		WalSync:            1,
		WalSyncBufferSize:  4096,
		WalWakeInterval:    1,
		CheckPointInterval: 10,
		KeyComparator:      DefaultComparator,
		ValueCacheSize:     32 * 1024 * 1024,
	}
}

var validPageSizes = map[int]bool{
	4 * 1024:  true,
	8 * 1024:  true,
	16 * 1024: true,
	32 * 1024: true,
	64 * 1024: true,
}

// Validate normalizes the options in place and reports bad values.
func (o *Options) Validate() error {
	if !validPageSizes[o.PageSize] {
		return fmt.Errorf("%w: page_size must be 4K, 8K, 16K, 32K or 64K, got %d", ErrBadConfig, o.PageSize)
	}
	if o.WalSync != 0 && o.WalSync != 1 {
		return fmt.Errorf("%w: wal_sync must be 0 or 1, got %d", ErrBadConfig, o.WalSync)
	}
	if o.PageCacheSlots < 128 {
		o.PageCacheSlots = 128
	}
	if o.WalSyncBufferSize <= 0 {
		o.WalSyncBufferSize = 4096
	}
	if o.WalWakeInterval <= 0 {
		o.WalWakeInterval = 1
	}
	if o.CheckPointInterval <= 0 {
		o.CheckPointInterval = 10
	}
	if o.KeyComparator == nil {
		o.KeyComparator = DefaultComparator
	}
	return nil
}
