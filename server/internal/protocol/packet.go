package protocol

import (
	"regexp"
	"strconv"
	"time"
)

// Modifiers that carry meaning for the hub. '$', '%' and '!' are accepted
// by the grammar but have no handler.
const (
	ModCommand byte = '#'
	ModPublish byte = '~'
)

// Kind classifies a packet for dispatch.
type Kind int

const (
	KindIgnored Kind = iota
	KindStore
	KindRetrieve
	KindPublish
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindRetrieve:
		return "retrieve"
	case KindPublish:
		return "publish"
	case KindCommand:
		return "command"
	}
	return "ignored"
}

// Packet is one decoded protocol line.
type Packet struct {
	Key          string // modifier plus id, as sent
	Modifier     byte   // 0 when absent
	ID           string
	Qualifier    bool // trailing '?' before '=' or end of line
	Timestamp    int64
	HasTimestamp bool
	Value        string
	HasValue     bool // an '=' was present
}

var lineRE = regexp.MustCompile(
	`^\s*(?P<key>(?P<mod>[#$%!~])?(?P<id>[^@=]*?))` +
		`(?:(?P<q>\?)?(?:(?P<eq>=)(?P<value>.*))?|@(?P<ts>[-+]?\d+)=(?P<tsvalue>.*))$`)

var (
	grpMod     = lineRE.SubexpIndex("mod")
	grpKey     = lineRE.SubexpIndex("key")
	grpID      = lineRE.SubexpIndex("id")
	grpQ       = lineRE.SubexpIndex("q")
	grpEq      = lineRE.SubexpIndex("eq")
	grpValue   = lineRE.SubexpIndex("value")
	grpTS      = lineRE.SubexpIndex("ts")
	grpTSValue = lineRE.SubexpIndex("tsvalue")
)

// ParseLine decodes a single line without its terminator. ok is false when
// the line does not fit the grammar.
func ParseLine(line string) (p Packet, ok bool) {
	m := lineRE.FindStringSubmatchIndex(line)
	if m == nil {
		return Packet{}, false
	}
	group := func(i int) (string, bool) {
		if m[2*i] < 0 {
			return "", false
		}
		return line[m[2*i]:m[2*i+1]], true
	}

	p.Key, _ = group(grpKey)
	p.ID, _ = group(grpID)
	if mod, present := group(grpMod); present {
		p.Modifier = mod[0]
	}
	_, p.Qualifier = group(grpQ)

	if ts, present := group(grpTS); present {
		n, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return Packet{}, false
		}
		p.Timestamp = n
		p.HasTimestamp = true
		p.Value, _ = group(grpTSValue)
		p.HasValue = true
		return p, true
	}
	if _, present := group(grpEq); present {
		p.Value, _ = group(grpValue)
		p.HasValue = true
	}
	return p, true
}

// Kind reports how the hub dispatches the packet.
func (p Packet) Kind() Kind {
	switch p.Modifier {
	case ModCommand:
		return KindCommand
	case ModPublish:
		return KindPublish
	case 0:
		if p.Qualifier && !p.HasTimestamp {
			return KindRetrieve
		}
		return KindStore
	}
	return KindIgnored
}

// EventTime resolves the packet timestamp against now in epoch
// milliseconds: absent means now, negative means now plus the (negative)
// delta, anything else is absolute.
func (p Packet) EventTime(now time.Time) int64 {
	if !p.HasTimestamp {
		return now.UnixMilli()
	}
	if p.Timestamp < 0 {
		return now.UnixMilli() + p.Timestamp
	}
	return p.Timestamp
}
