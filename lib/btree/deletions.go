package btree

import (
	"sort"
	"sync"
)

// Tombstone records the deletion of a key
type Tombstone struct {
	Key       []byte
	Timestamp uint64
}

// deletionLog keeps the most recent tombstones in timestamp order. Once the log is
// full the oldest tombstone is dropped and floor remembers its timestamp.
type deletionLog struct {
	mu      sync.Mutex
	entries []Tombstone
	limit   int
	floor   uint64
}

func newDeletionLog(limit int) *deletionLog {
	return &deletionLog{limit: limit}
}

func (l *deletionLog) record(key []byte, ts uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// keep the log sorted, writes on different leaves may apply out of order
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Timestamp > ts
	})
	l.entries = append(l.entries, Tombstone{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = Tombstone{Key: key, Timestamp: ts}

	if len(l.entries) > l.limit {
		dropped := l.entries[0]
		l.entries[0] = Tombstone{}
		l.entries = l.entries[1:]
		l.floor = max(l.floor, dropped.Timestamp)
	}
}

func (l *deletionLog) since(ts uint64) ([]Tombstone, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Timestamp > ts
	})
	out := make([]Tombstone, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out, ts >= l.floor
}

// reset drops every tombstone, since(ts) stays incomplete for ts below floor
func (l *deletionLog) reset(floor uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.entries = l.entries[:0]
	l.floor = max(l.floor, floor)
}
