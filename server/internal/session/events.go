package session

import (
	"github.com/kvhub/kvhub/server/internal/render"
	"github.com/kvhub/kvhub/server/internal/rpc"
)

// Event is produced by a Session for its Handler.
type Event interface{ sessionEvent() }

// StoreEvent: "<key>=<value>" or "<key>@<ts>=<value>".
type StoreEvent struct {
	Key       string
	Value     string
	Timestamp int64
}

// PublishEvent: "~<key>=<value>". The value is delivered but not stored.
type PublishEvent struct {
	Key       string
	Value     string
	Timestamp int64
}

// RetrieveEvent: "<key>?" or "<key>?=<default>".
type RetrieveEvent struct {
	Key        string
	Default    string
	HasDefault bool
}

type DeleteEvent struct{ Key string }

// IdentifyEvent is emitted when the client name actually changes.
type IdentifyEvent struct{ Name string }

// SubscriptionUpdateEvent is emitted when the session mask changes; the hub
// re-evaluates every entry against Session.Matcher.
type SubscriptionUpdateEvent struct{}

type TimestampFormatEvent struct{ Format render.Format }

// CallEvent carries a parsed "#call" line. MaskedTag is not yet assigned.
type CallEvent struct{ Call rpc.Call }

// ResultEvent carries a "#result" for a tag this session was sent.
type ResultEvent struct {
	MaskedTag uint64
	Code      string
	Result    string
}

type RegisterRPCEvent struct{ Name string }

type UnregisterRPCEvent struct{ Name string }

type ListRPCsEvent struct{ Mask string }

// ListOnlineEvent: Format is "", "*", "detailed" or "<name>?".
type ListOnlineEvent struct{ Format string }

type ListEvent struct{ Mask string }

type FetchEvent struct{ Mask string }

type DumpEvent struct{ Mask string }

// OptionSetEvent is emitted when "#set" changed an option's value.
type OptionSetEvent struct {
	Name  string
	Value string
}

// InfoRequestEvent asks the application for an "#info" payload. Respond
// sends v to the session as JSON and may be called from any goroutine.
type InfoRequestEvent struct{ Respond func(v any) }

// ErrorEvent reports a transport or framing fault. A transport fault is
// followed by DisconnectEvent.
type ErrorEvent struct{ Err error }

// DisconnectEvent is the last event of every session.
type DisconnectEvent struct{}

func (StoreEvent) sessionEvent()              {}
func (PublishEvent) sessionEvent()            {}
func (RetrieveEvent) sessionEvent()           {}
func (DeleteEvent) sessionEvent()             {}
func (IdentifyEvent) sessionEvent()           {}
func (SubscriptionUpdateEvent) sessionEvent() {}
func (TimestampFormatEvent) sessionEvent()    {}
func (CallEvent) sessionEvent()               {}
func (ResultEvent) sessionEvent()             {}
func (RegisterRPCEvent) sessionEvent()        {}
func (UnregisterRPCEvent) sessionEvent()      {}
func (ListRPCsEvent) sessionEvent()           {}
func (ListOnlineEvent) sessionEvent()         {}
func (ListEvent) sessionEvent()               {}
func (FetchEvent) sessionEvent()              {}
func (DumpEvent) sessionEvent()               {}
func (OptionSetEvent) sessionEvent()          {}
func (InfoRequestEvent) sessionEvent()        {}
func (ErrorEvent) sessionEvent()              {}
func (DisconnectEvent) sessionEvent()         {}
