package hub

import (
	"github.com/kvhub/kvhub/server/internal/dictionary"
	"github.com/kvhub/kvhub/server/internal/render"
	"github.com/kvhub/kvhub/server/internal/session"
)

// maxBatch bounds how many queued events one loop iteration handles before
// deferred fan-out runs.
const maxBatch = 64

type envelope struct {
	s  *session.Session
	ev session.Event
	fn func()
}

type notifyKey struct {
	key     string
	exclude uint64
}

// HandleSessionEvent queues ev for the loop goroutine. It blocks while the
// queue is full. Once the loop is stopping, events that cannot be queued are
// dropped, except a disconnect, which is handled directly so shared state
// never keeps a dead session.
func (h *Hub) HandleSessionEvent(s *session.Session, ev session.Event) {
	if h.enqueue(envelope{s: s, ev: ev}) {
		return
	}
	if _, ok := ev.(session.DisconnectEvent); ok {
		h.onDisconnect(s)
	}
}

// enqueue reports whether env was handed to the loop. Every queued envelope
// is handled, by the loop or by its final drain.
func (h *Hub) enqueue(env envelope) bool {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed {
		return false
	}
	select {
	case h.events <- env:
		return true
	default:
	}
	select {
	case h.events <- env:
		return true
	case <-h.loopStop:
		return false
	}
}

// post runs fn on the loop goroutine; fn is dropped once the loop stops.
func (h *Hub) post(fn func()) {
	h.enqueue(envelope{fn: fn})
}

func (h *Hub) run() {
	defer close(h.loopDone)
	defer h.drainClosed()
	for {
		select {
		case env := <-h.events:
			h.handle(env)
		batch:
			for i := 1; i < maxBatch; i++ {
				select {
				case env := <-h.events:
					h.handle(env)
				default:
					break batch
				}
			}
			h.flush()
		case <-h.loopStop:
			return
		}
	}
}

// drainClosed refuses further events and handles those still queued.
func (h *Hub) drainClosed() {
	h.sendMu.Lock()
	h.closed = true
	h.sendMu.Unlock()
	for {
		select {
		case env := <-h.events:
			h.handle(env)
		default:
			h.flush()
			return
		}
	}
}

func (h *Hub) stopLoop() {
	h.stopOnce.Do(func() { close(h.loopStop) })
	<-h.loopDone
}

func (h *Hub) handle(env envelope) {
	if env.fn != nil {
		env.fn()
		return
	}
	h.dispatch(env.s, env.ev)
}

// later schedules fn after the current batch.
func (h *Hub) later(fn func()) {
	h.deferred = append(h.deferred, fn)
}

func (h *Hub) flush() {
	for len(h.deferred) > 0 {
		fns := h.deferred
		h.deferred = nil
		for k := range h.queued {
			delete(h.queued, k)
		}
		for _, fn := range fns {
			fn()
		}
	}
}

// scheduleStored queues a fan-out of the stored entry for key. Repeated
// calls for the same key and sender within one batch collapse; the entry is
// read when the fan-out runs.
func (h *Hub) scheduleStored(key string, exclude uint64) {
	k := notifyKey{key: key, exclude: exclude}
	if _, dup := h.queued[k]; dup {
		return
	}
	h.queued[k] = struct{}{}
	h.later(func() {
		e, ok := h.dict.Entry(key)
		if !ok {
			return
		}
		h.fanOut(e.Snapshot(), e.Subscribers(), exclude)
	})
}

// schedulePublished queues a fan-out of a value that is not stored.
func (h *Hub) schedulePublished(snap dictionary.Snapshot, exclude uint64) {
	h.later(func() {
		h.fanOut(snap, h.dict.Subscribers(snap.Key), exclude)
	})
}

func (h *Hub) fanOut(snap dictionary.Snapshot, ids []uint64, exclude uint64) {
	if len(ids) == 0 {
		return
	}
	r := render.New(snap)
	n := 0
	for _, s := range h.conns.Resolve(ids) {
		if s.ID() == exclude {
			continue
		}
		s.SendRendered(r)
		n++
	}
	h.metrics.Notifications(n)
}
