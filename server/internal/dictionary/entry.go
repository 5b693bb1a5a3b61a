package dictionary

// Snapshot is a point-in-time copy of an entry's data. It is what renderers
// and responders work with; it carries no subscriber information.
type Snapshot struct {
	Key          string
	Value        string
	Assigned     bool // false for channels created by publish or retrieve
	Timestamp    int64
	HasTimestamp bool
}

// NewSnapshot builds an assigned, timestamped snapshot for values that are
// not stored, such as a publish payload.
func NewSnapshot(key, value string, ts int64) Snapshot {
	return Snapshot{Key: key, Value: value, Assigned: true, Timestamp: ts, HasTimestamp: true}
}

// Entry is one named value owned by a Dictionary. Its fields are guarded by
// the owning Dictionary's lock; read them through the accessor methods.
type Entry struct {
	d           *Dictionary
	key         string
	value       string
	assigned    bool
	ts          int64
	stamped     bool
	subscribers map[uint64]struct{}
}

// Key returns the entry name. It never changes.
func (e *Entry) Key() string { return e.key }

// Snapshot returns a copy of the entry's current data.
func (e *Entry) Snapshot() Snapshot {
	e.d.mu.RLock()
	defer e.d.mu.RUnlock()
	return e.snapshotLocked()
}

// IsSubscribed reports whether the session with the given ID is subscribed.
func (e *Entry) IsSubscribed(id uint64) bool {
	e.d.mu.RLock()
	defer e.d.mu.RUnlock()
	_, ok := e.subscribers[id]
	return ok
}

// Subscribers returns the IDs currently subscribed to the entry, in no
// particular order.
func (e *Entry) Subscribers() []uint64 {
	e.d.mu.RLock()
	defer e.d.mu.RUnlock()
	return e.subscribersLocked()
}

func (e *Entry) snapshotLocked() Snapshot {
	return Snapshot{
		Key:          e.key,
		Value:        e.value,
		Assigned:     e.assigned,
		Timestamp:    e.ts,
		HasTimestamp: e.stamped,
	}
}

func (e *Entry) subscribersLocked() []uint64 {
	out := make([]uint64, 0, len(e.subscribers))
	for id := range e.subscribers {
		out = append(out, id)
	}
	return out
}
