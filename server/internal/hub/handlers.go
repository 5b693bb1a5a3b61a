package hub

import (
	"regexp"
	"strings"
	"time"

	"github.com/kvhub/kvhub/server/internal/dictionary"
	"github.com/kvhub/kvhub/server/internal/session"
)

var procedureNameRE = regexp.MustCompile(`^\w+$`)

func (h *Hub) dispatch(s *session.Session, ev session.Event) {
	switch ev := ev.(type) {
	case session.StoreEvent:
		h.onStore(s, ev.Key, ev.Value, ev.Timestamp)
	case session.PublishEvent:
		h.onPublish(s, ev)
	case session.RetrieveEvent:
		h.onRetrieve(s, ev)
	case session.DeleteEvent:
		h.onDelete(s, ev.Key)
	case session.SubscriptionUpdateEvent:
		added, removed := h.dict.Resubscribe(s.ID(), s.Matcher())
		h.log.Debug("hub: subscription updated", "session", s.ID(), "mask", s.MaskText(), "added", added, "removed", removed)
	case session.TimestampFormatEvent:
		h.log.Debug("hub: timestamp format", "session", s.ID(), "format", ev.Format.String())
	case session.IdentifyEvent:
		h.log.Debug("hub: identified", "session", s.ID(), "name", ev.Name)
		h.observe(Identified{SessionID: s.ID(), Name: ev.Name})
	case session.CallEvent:
		h.onCall(s, ev)
	case session.ResultEvent:
		h.onResult(s, ev)
	case session.RegisterRPCEvent:
		h.onRegisterRPC(s, ev.Name)
	case session.UnregisterRPCEvent:
		h.onUnregisterRPC(s, ev.Name)
	case session.ListRPCsEvent:
		h.onListRPCs(s, ev.Mask)
	case session.ListOnlineEvent:
		h.onListOnline(s, ev.Format)
	case session.ListEvent:
		for _, snap := range h.dict.Filter(h.matchers.Compile(ev.Mask), true) {
			s.SendValue(snap)
		}
	case session.FetchEvent:
		h.onFetch(s, ev.Mask)
	case session.DumpEvent:
		h.onDump(s, ev.Mask)
	case session.OptionSetEvent:
		h.log.Debug("hub: option set", "session", s.ID(), "option", ev.Name, "value", ev.Value)
	case session.InfoRequestEvent:
		h.observe(InfoRequested{SessionID: s.ID(), RemoteAddr: s.RemoteAddr(), Respond: ev.Respond})
	case session.ErrorEvent:
		h.log.Warn("hub: session fault", "session", s.ID(), "remote", s.RemoteAddr(), "err", ev.Err)
		h.observe(SessionError{SessionID: s.ID(), Err: ev.Err})
	case session.DisconnectEvent:
		h.onDisconnect(s)
	}
}

func (h *Hub) onStore(s *session.Session, key, value string, ts int64) {
	if _, existing := h.dict.GetOrCreate(key, h.seed); !existing {
		h.log.Debug("hub: key created", "session", s.ID(), "key", key, "entries", h.dict.Len())
	}
	h.dict.UpdateValue(key, value, dictionary.WithTimestamp(ts), dictionary.WithSender(s.ID()))
	h.scheduleStored(key, s.ID())
}

// onPublish delivers the value to the subscribers of key without storing
// it. A key first seen through publish exists as an unassigned channel.
func (h *Hub) onPublish(s *session.Session, ev session.PublishEvent) {
	if _, existing := h.dict.GetOrCreate(ev.Key, h.seed); !existing {
		h.log.Debug("hub: channel created", "session", s.ID(), "key", ev.Key)
	}
	h.schedulePublished(dictionary.NewSnapshot(ev.Key, ev.Value, ev.Timestamp), s.ID())
}

func (h *Hub) onRetrieve(s *session.Session, ev session.RetrieveEvent) {
	snap, ok := h.dict.Get(ev.Key)
	if !ok {
		switch {
		case h.opts.AutoCreateOnRetrieve:
			h.onStore(s, ev.Key, ev.Default, time.Now().UnixMilli())
			snap, _ = h.dict.Get(ev.Key)
		case s.Options().RetrieveNonExisting:
			snap = dictionary.Snapshot{Key: ev.Key}
		default:
			return
		}
	}
	s.SendValue(snap)
}

func (h *Hub) onDelete(s *session.Session, key string) {
	if h.dict.DeleteValue(key) {
		h.log.Debug("hub: key deleted", "session", s.ID(), "key", key, "entries", h.dict.Len())
		return
	}
	h.log.Debug("hub: delete of missing key", "session", s.ID(), "key", key)
}

// selectAll reports whether a fetch or dump mask selects every key.
func selectAll(mask string) bool { return mask == "" || mask == "*" }

func (h *Hub) filterMask(mask string) dictionary.Matcher {
	if selectAll(mask) {
		return nil
	}
	return h.matchers.Compile(mask)
}

func (h *Hub) onFetch(s *session.Session, mask string) {
	keys := []string{}
	for _, snap := range h.dict.Filter(h.filterMask(mask), false) {
		keys = append(keys, snap.Key)
	}
	s.SendObject("#fetch", keys)
}

func (h *Hub) onDump(s *session.Session, mask string) {
	out := map[string]any{}
	for _, snap := range h.dict.Filter(h.filterMask(mask), false) {
		if snap.Assigned {
			out[snap.Key] = snap.Value
		} else {
			out[snap.Key] = nil
		}
	}
	s.SendObject("#dump", out)
}

type onlineInfo struct {
	ID     uint64 `json:"id"`
	Nick   string `json:"nick,omitempty"`
	Addr   string `json:"addr,omitempty"`
	Uptime *int64 `json:"uptime,omitempty"`
}

// onListOnline answers "#online". "detailed" adds address and uptime;
// "<name>?" lists only sessions with that name, in detail.
func (h *Hub) onListOnline(s *session.Session, format string) {
	check := strings.HasSuffix(format, "?")
	wanted := strings.TrimSuffix(format, "?")
	detailed := format == "detailed" || check
	now := time.Now()

	out := []onlineInfo{}
	for _, c := range h.conns.All() {
		name := c.Name()
		if check && name != wanted {
			continue
		}
		info := onlineInfo{ID: c.ID(), Nick: name}
		if detailed {
			up := now.Sub(c.ConnectedAt()).Milliseconds()
			info.Addr = c.RemoteAddr()
			info.Uptime = &up
		}
		out = append(out, info)
	}
	s.SendObject("#online", out)
}
