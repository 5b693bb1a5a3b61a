package render

import (
	"strconv"
	"strings"
	"time"

	"github.com/kvhub/kvhub/server/internal/dictionary"
)

// Format selects how a snapshot's timestamp is rendered.
type Format int

const (
	None Format = iota // key=value
	Abs                // key@<epoch ms>=value
	Rel                // key@<ms relative to now>=value
)

// ParseFormat maps the wire names to a Format. Unknown names yield None and
// false.
func ParseFormat(s string) (Format, bool) {
	switch strings.TrimSpace(s) {
	case "abs", "absolute":
		return Abs, true
	case "rel", "relative":
		return Rel, true
	case "none", "":
		return None, true
	}
	return None, false
}

func (f Format) String() string {
	switch f {
	case Abs:
		return "abs"
	case Rel:
		return "rel"
	}
	return "none"
}

// Renderer renders one snapshot and caches the line per format, so a
// fan-out to many sessions formats each variant once. It is not safe for
// concurrent use.
type Renderer struct {
	snap  dictionary.Snapshot
	now   func() time.Time
	cache [3]string
	done  [3]bool
}

// New returns a Renderer for s.
func New(s dictionary.Snapshot) *Renderer {
	return &Renderer{snap: s, now: time.Now}
}

// Snapshot returns the rendered snapshot.
func (r *Renderer) Snapshot() dictionary.Snapshot { return r.snap }

// Line renders the snapshot without a line terminator. Snapshots without a
// timestamp always render as key=value.
func (r *Renderer) Line(f Format) string {
	if f < None || f > Rel {
		f = None
	}
	if !r.done[f] {
		r.cache[f] = r.render(f)
		r.done[f] = true
	}
	return r.cache[f]
}

// Reset drops cached lines.
func (r *Renderer) Reset() {
	r.done = [3]bool{}
}

func (r *Renderer) render(f Format) string {
	s := r.snap
	if !s.HasTimestamp || f == None {
		return s.Key + "=" + s.Value
	}
	var ts string
	if f == Abs {
		ts = strconv.FormatInt(s.Timestamp, 10)
	} else {
		delta := s.Timestamp - r.now().UnixMilli()
		if delta == 0 {
			ts = "-0"
		} else {
			ts = strconv.FormatInt(delta, 10)
		}
	}
	return s.Key + "@" + ts + "=" + s.Value
}

// Line is a convenience for rendering a single snapshot once.
func Line(s dictionary.Snapshot, f Format) string {
	return New(s).Line(f)
}
