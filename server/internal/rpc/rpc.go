package rpc

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/kvhub/kvhub/pkg/types"
)

// DefaultTimeout applies when neither the call nor the dispatcher sets one.
const DefaultTimeout = 5 * time.Second

// ErrNotRegistered is returned by DispatchCall for an unknown procedure.
var ErrNotRegistered = errors.New("rpc: procedure not registered")

// Peer is a session that can take part in a call, as caller or provider.
type Peer interface {
	ID() uint64
	SendRPC(c Call)
	SendRPCResult(c Call)
	// RevokeRPC withdraws a relayed call that ended without a result.
	RevokeRPC(maskedTag uint64)
}

// Call carries one remote procedure call through its life.
type Call struct {
	Tag       string // caller's own tag
	MaskedTag uint64 // dispatcher-assigned, 0 until dispatched
	Procedure string
	Args      string
	Code      string
	Result    string
	Owner     string // ID of the hub the call originated under
}

var (
	callRE   = regexp.MustCompile(`^(\w+) (\w+)(?: (.+$))?`)
	resultRE = regexp.MustCompile(`^(\w+) (\d+)(?: (.+$))?`)
)

// ParseCall decodes "<tag> <procedure>[ <args>]".
func ParseCall(s string) (Call, bool) {
	m := callRE.FindStringSubmatch(s)
	if m == nil {
		return Call{}, false
	}
	return Call{Tag: m[1], Procedure: m[2], Args: m[3]}, true
}

// ParseResult decodes "<maskedTag> <code>[ <data>]".
func ParseResult(s string) (maskedTag, code, result string, ok bool) {
	m := resultRE.FindStringSubmatch(s)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// FormatCall renders the line sent to a provider.
func FormatCall(c Call) string {
	s := fmt.Sprintf("%d %s", c.MaskedTag, c.Procedure)
	if c.Args != "" {
		s += " " + c.Args
	}
	return s
}

// FormatResult renders the line sent back to a caller.
func FormatResult(c Call) string {
	s := c.Tag + " " + c.Code
	if c.Result != "" {
		s += " " + c.Result
	}
	return s
}

type pending struct {
	call     Call
	caller   Peer
	provider Peer
	timer    *time.Timer
}

// Dispatcher is safe for concurrent use and may be shared by several hubs.
type Dispatcher struct {
	mu         sync.Mutex
	procedures map[string]Peer
	pending    map[uint64]*pending
	nextTag    uint64

	defaultTimeout time.Duration
	maxTimeout     time.Duration
	listener       func(Event)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultTimeout sets the wait used when a call specifies none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.defaultTimeout = d
		}
	}
}

// WithMaxTimeout caps every call's wait. Zero means no cap.
func WithMaxTimeout(d time.Duration) Option {
	return func(x *Dispatcher) { x.maxTimeout = d }
}

// WithListener receives an Event for every call transition. It runs
// outside the dispatcher lock.
func WithListener(fn func(Event)) Option {
	return func(x *Dispatcher) { x.listener = fn }
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		procedures:     make(map[string]Peer),
		pending:        make(map[uint64]*pending),
		defaultTimeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterProcedure binds name to provider. It returns false if the name is
// already taken; an existing registration is never overwritten.
func (d *Dispatcher) RegisterProcedure(name string, provider Peer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.procedures[name]; taken {
		return false
	}
	d.procedures[name] = provider
	return true
}

// UnregisterProcedure removes name unconditionally.
func (d *Dispatcher) UnregisterProcedure(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.procedures, name)
}

// UnregisterProcedureOfProvider removes every name owned by provider and
// returns them sorted. Calls already dispatched to it stay pending.
func (d *Dispatcher) UnregisterProcedureOfProvider(provider Peer) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for name, p := range d.procedures {
		if p.ID() == provider.ID() {
			delete(d.procedures, name)
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Provider returns the peer registered for name.
func (d *Dispatcher) Provider(name string) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.procedures[name]
	return p, ok
}

// ListRegistered returns every registered name, sorted.
func (d *Dispatcher) ListRegistered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.procedures))
	for name := range d.procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pending returns the number of calls awaiting a result.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Timeout resolves the wait for a call: wait <= 0 picks the default and the
// result is capped by the configured maximum.
func (d *Dispatcher) Timeout(wait time.Duration) time.Duration {
	if wait <= 0 {
		wait = d.defaultTimeout
	}
	if d.maxTimeout > 0 && wait > d.maxTimeout {
		wait = d.maxTimeout
	}
	return wait
}

// DispatchCall starts call on behalf of caller. On success it returns the
// call with its masked tag and the provider the caller side must relay it
// to; the provider is not contacted here. If the procedure is unknown it
// returns the call with Code set to types.CodeNotRegistered and
// ErrNotRegistered, and nothing is left pending.
func (d *Dispatcher) DispatchCall(call Call, caller Peer, wait time.Duration) (Call, Peer, error) {
	d.mu.Lock()
	provider, ok := d.procedures[call.Procedure]
	if !ok {
		d.mu.Unlock()
		call.Code = types.CodeNotRegistered
		d.emit(NotRegistered{Call: call})
		return call, nil, fmt.Errorf("%w: %s", ErrNotRegistered, call.Procedure)
	}
	d.nextTag++
	if d.nextTag == 0 {
		d.nextTag = 1
	}
	for d.pending[d.nextTag] != nil {
		d.nextTag++
	}
	call.MaskedTag = d.nextTag
	p := &pending{call: call, caller: caller, provider: provider}
	tag := call.MaskedTag
	p.timer = time.AfterFunc(d.Timeout(wait), func() { d.expire(tag) })
	d.pending[tag] = p
	d.mu.Unlock()

	d.emit(Dispatched{Call: call, Provider: provider.ID()})
	return call, provider, nil
}

// DispatchResult completes the pending call with maskedTag and returns it,
// with the original tag restored, plus the caller to deliver it to. An
// unknown, expired or already completed tag yields ok == false and has no
// effect.
func (d *Dispatcher) DispatchResult(maskedTag uint64, code, result string) (Call, Peer, bool) {
	d.mu.Lock()
	p, ok := d.pending[maskedTag]
	if !ok {
		d.mu.Unlock()
		return Call{}, nil, false
	}
	delete(d.pending, maskedTag)
	p.timer.Stop()
	d.mu.Unlock()

	c := p.call
	c.Code = code
	c.Result = result
	d.emit(Completed{Call: c})
	return c, p.caller, true
}

// DropPendingCalls cancels the pending calls originated under owner, or all
// of them when owner is empty. Callers are not notified.
func (d *Dispatcher) DropPendingCalls(owner string) int {
	d.mu.Lock()
	var dropped []*pending
	for tag, p := range d.pending {
		if owner != "" && p.call.Owner != owner {
			continue
		}
		p.timer.Stop()
		delete(d.pending, tag)
		dropped = append(dropped, p)
	}
	d.mu.Unlock()

	for _, p := range dropped {
		p.provider.RevokeRPC(p.call.MaskedTag)
		d.emit(Dropped{Call: p.call})
	}
	return len(dropped)
}

func (d *Dispatcher) expire(tag uint64) {
	d.mu.Lock()
	p, ok := d.pending[tag]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, tag)
	d.mu.Unlock()

	p.provider.RevokeRPC(tag)
	c := p.call
	c.Code = types.CodeGatewayTimeout
	c.Result = ""
	p.caller.SendRPCResult(c)
	d.emit(TimedOut{Call: c})
}

func (d *Dispatcher) emit(ev Event) {
	if d.listener != nil {
		d.listener(ev)
	}
}
