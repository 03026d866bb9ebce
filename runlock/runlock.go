/*
Package runlock serializes runs that share a (type, period) key.

PURPOSE:
  Two triggers for the same run must not both pass the "not yet completed"
  check. The store's unique indexes are the last line of defence; the lock
  keeps the second trigger from doing any work at all.

IMPLEMENTATIONS:
  Local:  one process. A key held by another caller fails fast.
  Valkey: several processes sharing one database. SET NX PX with an owner
          token, released by compare-and-delete so an expired holder cannot
          drop a lock it no longer owns.

Both return ErrLockHeld, which matches domain.ErrRunInProgress under errors.Is.
*/
package runlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/billing-engine/domain"
)

// ErrLockHeld is returned when another caller holds the key.
var ErrLockHeld = fmt.Errorf("%w: lock held", domain.ErrRunInProgress)

// Locker acquires a named lock. The returned release func must be called once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Key builds a lock key from its parts, e.g. Key("billing", "Group", "2026-3").
func Key(parts ...string) string {
	key := "runlock"
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// =============================================================================
// LOCAL
// =============================================================================

// Local is an in-process keyed lock.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLockHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
