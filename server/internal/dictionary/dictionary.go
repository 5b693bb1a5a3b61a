package dictionary

import (
	"sync"
)

// Matcher selects keys. *match.Matcher satisfies it; a nil Matcher selects
// nothing.
type Matcher interface {
	Test(key string) bool
}

// Dictionary is a thread-safe map of key to Entry with an insertion-ordered
// index. The map and the index always hold the same set of entries.
type Dictionary struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	order     []*Entry
	listeners []Listener
}

// New creates an empty Dictionary.
func New() *Dictionary {
	return &Dictionary{entries: make(map[string]*Entry)}
}

// AddListener registers fn for every subsequent event. It is meant to be
// called during wiring, before the dictionary is shared.
func (d *Dictionary) AddListener(fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Len returns the number of entries.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.order)
}

// Get returns a snapshot of the entry for key.
func (d *Dictionary) Get(key string) (Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshotLocked(), true
}

// Entry returns the live entry for key.
func (d *Dictionary) Entry(key string) (*Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	return e, ok
}

// Exists reports whether key is present.
func (d *Dictionary) Exists(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[key]
	return ok
}

// GetOrCreateEntry returns the entry for key, creating an unassigned one if
// needed. existing is false only for the call that created it.
func (d *Dictionary) GetOrCreateEntry(key string) (e *Entry, existing bool) {
	return d.GetOrCreate(key, nil)
}

// GetOrCreate is GetOrCreateEntry with a seed function that supplies the
// initial subscriber IDs of a newly created entry. seed runs with the
// dictionary lock held and must not call back into the Dictionary.
func (d *Dictionary) GetOrCreate(key string, seed func(key string) []uint64) (e *Entry, existing bool) {
	d.mu.Lock()
	e, existing = d.entries[key]
	var events []Event
	if !existing {
		e = d.createLocked(key)
		if seed != nil {
			for _, id := range seed(key) {
				e.subscribers[id] = struct{}{}
			}
		}
		events = d.collect(events, Created{Entry: e.snapshotLocked()})
	}
	d.mu.Unlock()

	d.emit(events)
	return e, existing
}

// CreateValue creates key with value if it does not exist yet. An existing
// entry is returned untouched.
func (d *Dictionary) CreateValue(key, value string) *Entry {
	e, _ := d.CreateSeeded(key, value, nil)
	return e
}

// CreateSeeded is CreateValue with the seed semantics of GetOrCreate. created
// is false when the key already existed.
func (d *Dictionary) CreateSeeded(key, value string, seed func(key string) []uint64) (e *Entry, created bool) {
	d.mu.Lock()
	e, existing := d.entries[key]
	var events []Event
	if !existing {
		e = d.createLocked(key)
		e.value = value
		e.assigned = true
		if seed != nil {
			for _, id := range seed(key) {
				e.subscribers[id] = struct{}{}
			}
		}
		events = d.collect(events, Created{Entry: e.snapshotLocked()})
	}
	d.mu.Unlock()

	d.emit(events)
	return e, !existing
}

// UpdateOption customises UpdateValue.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	ts      int64
	stamped bool
	sender  any
}

// WithTimestamp stamps the value with ms (epoch milliseconds).
func WithTimestamp(ms int64) UpdateOption {
	return func(o *updateOptions) {
		o.ts = ms
		o.stamped = true
	}
}

// WithSender records who caused the update; it is passed through to the
// Updated event so listeners can avoid echoing it back.
func WithSender(sender any) UpdateOption {
	return func(o *updateOptions) { o.sender = sender }
}

// UpdateValue overwrites the value of key, creating the entry if needed.
// Without WithTimestamp the entry's timestamp is cleared.
func (d *Dictionary) UpdateValue(key, value string, opts ...UpdateOption) *Entry {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.Lock()
	var events []Event
	e, existing := d.entries[key]
	if !existing {
		e = d.createLocked(key)
	}
	e.value = value
	e.assigned = true
	e.ts = o.ts
	e.stamped = o.stamped
	if !existing {
		events = d.collect(events, Created{Entry: e.snapshotLocked()})
	}
	events = d.collect(events, Updated{Entry: e.snapshotLocked(), Sender: o.sender})
	d.mu.Unlock()

	d.emit(events)
	return e
}

// DeleteValue removes key. It reports whether the key existed.
func (d *Dictionary) DeleteValue(key string) bool {
	d.mu.Lock()
	e, ok := d.entries[key]
	var events []Event
	if ok {
		delete(d.entries, key)
		for i, o := range d.order {
			if o == e {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		events = d.collect(events, Deleted{Key: key})
	}
	d.mu.Unlock()

	d.emit(events)
	return ok
}

// AddSubscriber subscribes id to every existing entry whose key matches m.
// Entries created later are not covered. It returns the number of entries
// the ID was added to.
func (d *Dictionary) AddSubscriber(id uint64, m Matcher) int {
	if m == nil {
		return 0
	}
	d.mu.Lock()
	var events []Event
	added := 0
	for _, e := range d.order {
		if _, ok := e.subscribers[id]; ok || !m.Test(e.key) {
			continue
		}
		e.subscribers[id] = struct{}{}
		added++
		events = d.collect(events, SubscriberAdded{Key: e.key, Subscriber: id})
	}
	d.mu.Unlock()

	d.emit(events)
	return added
}

// RemoveSubscriber drops id from every entry. Calling it for an ID that is
// not subscribed anywhere is a no-op.
func (d *Dictionary) RemoveSubscriber(id uint64) int {
	d.mu.Lock()
	var events []Event
	removed := 0
	for _, e := range d.order {
		if _, ok := e.subscribers[id]; !ok {
			continue
		}
		delete(e.subscribers, id)
		removed++
		events = d.collect(events, SubscriberRemoved{Key: e.key, Subscriber: id})
	}
	d.mu.Unlock()

	d.emit(events)
	return removed
}

// Resubscribe re-evaluates every entry against a changed mask: id is added
// where m now matches and removed where it no longer does.
func (d *Dictionary) Resubscribe(id uint64, m Matcher) (added, removed int) {
	d.mu.Lock()
	var events []Event
	for _, e := range d.order {
		_, subscribed := e.subscribers[id]
		matches := m != nil && m.Test(e.key)
		switch {
		case matches && !subscribed:
			e.subscribers[id] = struct{}{}
			added++
			events = d.collect(events, SubscriberAdded{Key: e.key, Subscriber: id})
		case !matches && subscribed:
			delete(e.subscribers, id)
			removed++
			events = d.collect(events, SubscriberRemoved{Key: e.key, Subscriber: id})
		}
	}
	d.mu.Unlock()

	d.emit(events)
	return added, removed
}

// Subscribers returns the subscriber IDs of key, or nil if it does not exist.
func (d *Dictionary) Subscribers(key string) []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok {
		return nil
	}
	return e.subscribersLocked()
}

// Filter returns snapshots of the entries whose key matches m, in insertion
// order. With excludeUnassigned, channels without a stored value are skipped.
// A nil m selects every entry.
func (d *Dictionary) Filter(m Matcher, excludeUnassigned bool) []Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Snapshot, 0, len(d.order))
	for _, e := range d.order {
		if m != nil && !m.Test(e.key) {
			continue
		}
		if excludeUnassigned && !e.assigned {
			continue
		}
		out = append(out, e.snapshotLocked())
	}
	return out
}

// All returns snapshots of every entry in insertion order.
func (d *Dictionary) All() []Snapshot {
	return d.Filter(nil, false)
}

// --- internal ---------------------------------------------------------------

func (d *Dictionary) createLocked(key string) *Entry {
	e := &Entry{d: d, key: key, subscribers: make(map[uint64]struct{})}
	d.entries[key] = e
	d.order = append(d.order, e)
	return e
}

// collect appends ev only when someone is listening, so the common path
// allocates nothing.
func (d *Dictionary) collect(events []Event, ev Event) []Event {
	if len(d.listeners) == 0 {
		return events
	}
	return append(events, ev)
}

func (d *Dictionary) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}
