package dispatch

import (
	"sync"
)

type pendingKey struct {
	connID    int64
	requestID string
}

// pendingEntry tracks one in-flight REQUEST. done guards against both the
// handler goroutine and the deadline watcher trying to resolve it twice.
// Callers resolve against a specific *pendingEntry pointer, not just the
// (connID, requestID) key, so a stale handler goroutine can never resolve
// the entry that superseded it.
type pendingEntry struct {
	done bool
}

// pendingTable is the dispatcher-owned requestId -> resolver map (§4.F / §9).
// A deadline timer or a superseding REQUEST may race the handler's own
// completion to resolve an entry; exactly one of them wins.
type pendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[pendingKey]*pendingEntry)}
}

// register adds a new pending entry and returns it along with whether it
// superseded an existing one for the same (connID, requestID). The caller
// must resolve/expire using the returned entry's identity, never by key
// alone, so a superseded request's late completion can't be mistaken for
// the request that replaced it.
func (t *pendingTable) register(connID int64, requestID string) (entry *pendingEntry, supersedes bool) {
	entry = &pendingEntry{}
	if requestID == "" {
		return entry, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pendingKey{connID, requestID}
	_, existed := t.entries[key]
	t.entries[key] = entry
	return entry, existed
}

// resolve marks entry done and reports whether this call won the race
// (false means it was already resolved/expired, or a newer REQUEST has
// since taken its slot — the caller should not emit a reply).
func (t *pendingTable) resolve(connID int64, requestID string, entry *pendingEntry) bool {
	if requestID == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pendingKey{connID, requestID}
	cur, ok := t.entries[key]
	if !ok || cur != entry || entry.done {
		return false
	}
	entry.done = true
	delete(t.entries, key)
	return true
}

// expire behaves like resolve but is invoked from the deadline watcher.
func (t *pendingTable) expire(connID int64, requestID string, entry *pendingEntry) bool {
	return t.resolve(connID, requestID, entry)
}

// cancelAll resolves (without reply) every pending entry owned by connID,
// called when the connection closes so handler goroutines finishing later
// see their reply discarded rather than delivered to a dead connection.
func (t *pendingTable) cancelAll(connID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if key.connID == connID {
			e.done = true
			delete(t.entries, key)
		}
	}
}
