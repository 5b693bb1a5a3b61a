package session

import (
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// writeTimeout is the deadline for one coalesced write, applied when the
// transport supports deadlines.
const writeTimeout = 10 * time.Second

// asciiOnly replaces every non-ASCII rune for clients that selected the
// ascii encoding.
var asciiOnly = runes.Map(func(r rune) rune {
	if r > 0x7f {
		return '?'
	}
	return r
})

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// outbox is the bounded outbound FIFO shared by producers (any goroutine)
// and the writer goroutine.
type outbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	limit  int
	onDrop func()
	wake   chan struct{}
}

func (o *outbox) init(limit int, onDrop func()) {
	o.q = queue.New()
	o.limit = limit
	o.onDrop = onDrop
	o.wake = make(chan struct{}, 1)
}

// push appends a line, dropping the oldest one past the limit, and wakes
// the writer. It never blocks.
func (o *outbox) push(line string) {
	dropped := false
	o.mu.Lock()
	o.q.Add(line)
	if o.q.Length() > o.limit {
		o.q.Remove()
		dropped = true
	}
	o.mu.Unlock()

	if dropped && o.onDrop != nil {
		o.onDrop()
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// drain empties the FIFO into one string.
func (o *outbox) drain() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.q.Length() == 0 {
		return ""
	}
	var b strings.Builder
	for o.q.Length() > 0 {
		b.WriteString(o.q.Remove().(string))
	}
	return b.String()
}

// Len returns the number of queued lines.
func (o *outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.q.Length()
}

// Queued returns the number of lines waiting for the writer.
func (s *Session) Queued() int { return s.out.Len() }

// writeLoop coalesces everything queued since the last wake-up into a
// single write, so a burst of notifications goes out as one segment.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closing:
			return
		case <-s.out.wake:
		}
		data := s.out.drain()
		if data == "" {
			continue
		}
		if s.Options().Encoding == EncodingASCII {
			data, _, _ = transform.String(asciiOnly, data)
		}
		if d, ok := s.t.(deadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if _, err := s.t.Write([]byte(data)); err != nil {
			if !s.isClosing() {
				s.log.Debug("session: write failed", "err", err)
				s.emit(ErrorEvent{Err: err})
			}
			s.Close()
			return
		}
	}
}
