package transaction_manager

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"bptdb/types"
)

/*
Striped shared/exclusive key locks, 16 stripes by key hash. A
transaction already holding a key alone may re-enter or change mode.
Conflicting requesters park on the stripe's condition variable.

Deadlock is neither detected nor prevented:
  T1: hold(k1), require(k2)
  T2: hold(k2), require(k1)
hangs forever. Clients locking multiple keys must order acquisitions
consistently.
*/

const lockStripes = 16

type lockInfo struct {
	exclusive bool
	waiters   int
	trxIDs    []types.TrxID
}

type lockStripe struct {
	mu   sync.Mutex
	cond *sync.Cond
	keys map[string]*lockInfo
}

type Locker struct {
	stripes [lockStripes]*lockStripe
}

func NewLocker() *Locker {
	l := &Locker{}
	for i := range l.stripes {
		s := &lockStripe{keys: make(map[string]*lockInfo)}
		s.cond = sync.NewCond(&s.mu)
		l.stripes[i] = s
	}
	return l
}

func (l *Locker) stripe(key string) *lockStripe {
	return l.stripes[xxhash.Sum64String(key)%lockStripes]
}

// Lock acquires key in the requested mode, blocking on conflict.
func (l *Locker) Lock(trxID types.TrxID, key string, exclusive bool) {
	s := l.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.keys[key]
	if !ok {
		s.keys[key] = &lockInfo{exclusive: exclusive, trxIDs: []types.TrxID{trxID}}
		return
	}
	if len(info.trxIDs) == 1 && info.trxIDs[0] == trxID {
		// held by self alone: re-enter, possibly changing mode
		info.exclusive = exclusive
		return
	}
	if exclusive || info.exclusive {
		info.waiters++
		for len(info.trxIDs) > 0 {
			s.cond.Wait()
		}
		info.waiters--
		info.exclusive = exclusive
		info.trxIDs = append(info.trxIDs, trxID)
		return
	}
	// join the reader list
	info.trxIDs = append(info.trxIDs, trxID)
}

// Unlock releases trxID's hold on key and wakes waiters when the key
// becomes free.
func (l *Locker) Unlock(trxID types.TrxID, key string) {
	s := l.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.keys[key]
	if !ok {
		return
	}
	for i, id := range info.trxIDs {
		if id == trxID {
			info.trxIDs[i] = info.trxIDs[len(info.trxIDs)-1]
			info.trxIDs = info.trxIDs[:len(info.trxIDs)-1]
			break
		}
	}
	if len(info.trxIDs) == 0 {
		if info.waiters > 0 {
			s.cond.Broadcast()
		} else {
			delete(s.keys, key)
		}
	}
}
