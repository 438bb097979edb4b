package engine

import (
	"sync"
	"time"
)

// leaseTable enforces mutual exclusion per (entity, view) pair.
// Leases expire so that a worker that crashed mid-application
// does not hold its pair hostage; an expired lease may be taken
// over by any owner. A stale owner double-applying after losing
// its lease is harmless because application is idempotent by the
// sequence comparison rule.
type leaseTable struct {
	mu     sync.Mutex
	leases map[pairKey]lease
}

type lease struct {
	owner   string
	expires time.Time
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: make(map[pairKey]lease)}
}

// Acquire grants the lease to owner if it is free, expired, or
// already held by the same owner. Returns false if another owner
// holds an unexpired lease.
func (table *leaseTable) Acquire(key pairKey, owner string, ttl time.Duration) bool {
	table.mu.Lock()
	defer table.mu.Unlock()

	current, held := table.leases[key]

	if held && current.owner != owner && time.Now().Before(current.expires) {
		return false
	}

	table.leases[key] = lease{owner: owner, expires: time.Now().Add(ttl)}

	return true
}

// Release releases the lease if owner still holds it. A release
// after expiry and takeover has no effect.
func (table *leaseTable) Release(key pairKey, owner string) {
	table.mu.Lock()
	defer table.mu.Unlock()

	current, held := table.leases[key]

	if !held || current.owner != owner {
		return
	}

	delete(table.leases, key)
}
