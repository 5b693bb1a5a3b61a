package dictionary

// Event is emitted to listeners after the dictionary changes. The concrete
// types are Created, Updated, Deleted, SubscriberAdded and SubscriberRemoved.
type Event interface {
	dictionaryEvent()
}

// Created is emitted once per key, when the entry comes into existence.
type Created struct{ Entry Snapshot }

// Updated is emitted on every value overwrite. Sender is whatever the caller
// passed with WithSender, nil otherwise.
type Updated struct {
	Entry  Snapshot
	Sender any
}

// Deleted is emitted when an existing entry is removed.
type Deleted struct{ Key string }

// SubscriberAdded is emitted when a session ID joins an entry's subscriber set.
type SubscriberAdded struct {
	Key        string
	Subscriber uint64
}

// SubscriberRemoved is emitted when a session ID leaves an entry's subscriber set.
type SubscriberRemoved struct {
	Key        string
	Subscriber uint64
}

func (Created) dictionaryEvent()           {}
func (Updated) dictionaryEvent()           {}
func (Deleted) dictionaryEvent()           {}
func (SubscriberAdded) dictionaryEvent()   {}
func (SubscriberRemoved) dictionaryEvent() {}

// Listener receives dictionary events. Listeners run synchronously on the
// goroutine that made the change, after the dictionary lock is released.
type Listener func(Event)
