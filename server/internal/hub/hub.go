package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kvhub/kvhub/server/internal/connmgr"
	"github.com/kvhub/kvhub/server/internal/dictionary"
	"github.com/kvhub/kvhub/server/internal/match"
	"github.com/kvhub/kvhub/server/internal/metrics"
	"github.com/kvhub/kvhub/server/internal/protocol"
	"github.com/kvhub/kvhub/server/internal/render"
	"github.com/kvhub/kvhub/server/internal/rpc"
	"github.com/kvhub/kvhub/server/internal/session"
)

var (
	// ErrAlreadyListening is returned by Listen on a listening hub.
	ErrAlreadyListening = errors.New("hub: already listening")
	// ErrStopped is returned when a stopped hub is asked to listen or serve.
	ErrStopped = errors.New("hub: stopped")
)

// DefaultEventQueue is the session event backlog when Options.EventQueue
// is unset.
const DefaultEventQueue = 1024

type state int

const (
	stateCreated state = iota
	stateListening
	stateStopped
)

// Options configures a Hub.
type Options struct {
	Name string // used in logs and "#info"

	// DefaultMask is applied to every new session.
	DefaultMask     string
	ClientOptions   session.Options
	TimestampFormat render.Format

	// AutoCreateOnRetrieve stores the default value of a retrieve for a
	// missing key instead of answering from the session options.
	AutoCreateOnRetrieve bool
	DisabledFeatures     []string

	// RPCMaxTimeout caps "#set=rpcTimeout". Zero means no cap.
	RPCMaxTimeout time.Duration

	MaxQueue   int // outbound lines per session
	MaxLine    int
	EventQueue int

	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Observer func(Event)
}

// Hub is safe for concurrent use.
type Hub struct {
	id       string
	opts     Options
	log      *slog.Logger
	dict     *dictionary.Dictionary
	rpc      *rpc.Dispatcher
	conns    *connmgr.Manager
	matchers *match.Cache
	metrics  *metrics.Metrics
	disabled map[string]bool

	mu         sync.Mutex
	state      state
	ln         net.Listener
	acceptDone chan struct{}
	sessions   sync.WaitGroup

	events   chan envelope
	loopStop chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	// sendMu orders senders against the loop's exit; closed is set once no
	// further event may be queued.
	sendMu sync.RWMutex
	closed bool

	// owned by the loop goroutine
	deferred []func()
	queued   map[notifyKey]struct{}
}

// New builds a Hub over the given shared structures; nil arguments get a
// private fresh instance. The event loop starts immediately.
func New(opts Options, dict *dictionary.Dictionary, disp *rpc.Dispatcher, conns *connmgr.Manager, matchers *match.Cache) *Hub {
	if dict == nil {
		dict = dictionary.New()
	}
	if disp == nil {
		disp = rpc.NewDispatcher()
	}
	if conns == nil {
		conns = connmgr.New()
	}
	if matchers == nil {
		matchers = match.NewCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = DefaultEventQueue
	}
	if opts.ClientOptions == (session.Options{}) {
		opts.ClientOptions = session.DefaultOptions()
	}

	h := &Hub{
		id:       uuid.NewString(),
		opts:     opts,
		dict:     dict,
		rpc:      disp,
		conns:    conns,
		matchers: matchers,
		metrics:  opts.Metrics,
		disabled: make(map[string]bool, len(opts.DisabledFeatures)),
		events:   make(chan envelope, opts.EventQueue),
		loopStop: make(chan struct{}),
		loopDone: make(chan struct{}),
		queued:   make(map[notifyKey]struct{}),
	}
	h.log = opts.Logger.With("hub", opts.Name, "hub_id", h.id)
	for _, f := range opts.DisabledFeatures {
		h.disabled[f] = true
	}
	go h.run()
	return h
}

// ID returns the instance UUID.
func (h *Hub) ID() string { return h.id }

// Name returns Options.Name.
func (h *Hub) Name() string { return h.opts.Name }

func (h *Hub) Dictionary() *dictionary.Dictionary { return h.dict }

func (h *Hub) Dispatcher() *rpc.Dispatcher { return h.rpc }

func (h *Hub) Connections() *connmgr.Manager { return h.conns }

// Addr returns the bound address, or nil when not listening.
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil || h.state != stateListening {
		return nil
	}
	return h.ln.Addr()
}

// Listening reports whether the hub accepts connections.
func (h *Hub) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateListening
}

// Listen binds addr ("host:port") and starts accepting connections.
func (h *Hub) Listen(ctx context.Context, addr string) error {
	h.mu.Lock()
	switch h.state {
	case stateListening:
		h.mu.Unlock()
		return ErrAlreadyListening
	case stateStopped:
		h.mu.Unlock()
		return ErrStopped
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("hub: listen %s: %w", addr, err)
	}
	h.ln = ln
	h.state = stateListening
	h.acceptDone = make(chan struct{})
	go h.acceptLoop(ln, h.acceptDone)

	h.mu.Unlock()

	h.log.Info("hub: listening", "addr", ln.Addr().String())
	h.observe(Listening{Addr: ln.Addr().String()})
	return nil
}

// Stop drops this hub's pending RPC calls, closes the listener and
// disconnects the sessions it accepted, waiting for their teardown until
// ctx expires. Stopping a hub that is not listening only ends its event
// loop. Stop is idempotent.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state == stateStopped {
		h.mu.Unlock()
		return nil
	}
	wasListening := h.state == stateListening
	h.state = stateStopped
	ln, acceptDone := h.ln, h.acceptDone
	h.mu.Unlock()

	if n := h.rpc.DropPendingCalls(h.id); n > 0 {
		h.log.Debug("hub: dropped pending calls", "count", n)
	}
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.log.Warn("hub: close listener", "err", err)
		}
		<-acceptDone
	}
	h.conns.CloseAll(h.id, func(s *session.Session) {
		h.log.Debug("hub: closing connection", "session", s.ID(), "remote", s.RemoteAddr())
	})

	var err error
	drained := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("hub: stop: %w", ctx.Err())
	}

	h.stopLoop()
	if wasListening {
		h.log.Info("hub: stopped")
		h.observe(Stopped{})
	}
	return err
}

// ServeTransport runs t as a session of this hub and blocks until it
// disconnects. It is how non-TCP bridges attach clients.
func (h *Hub) ServeTransport(t session.Transport) error {
	s, err := h.attach(t)
	if err != nil {
		return err
	}
	<-s.Done()
	return nil
}

func (h *Hub) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			h.log.Error("hub: accept", "err", err)
			h.observe(Error{Err: err})
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			// Let Nagle combine small notification lines.
			_ = tc.SetNoDelay(false)
		}
		if _, err := h.attach(conn); err != nil {
			conn.Close()
		}
	}
}

// attach registers a new session and starts serving it.
func (h *Hub) attach(t session.Transport) (*session.Session, error) {
	h.mu.Lock()
	if h.state == stateStopped {
		h.mu.Unlock()
		return nil, ErrStopped
	}

	s := h.conns.Accept(func(id uint64) *session.Session {
		return session.New(session.Config{
			ID:              id,
			Owner:           h.id,
			Transport:       t,
			Server:          h,
			Handler:         h,
			Options:         h.opts.ClientOptions,
			Mask:            h.opts.DefaultMask,
			TimestampFormat: h.opts.TimestampFormat,
			MaxQueue:        h.opts.MaxQueue,
			MaxLine:         h.opts.MaxLine,
			Logger:          h.log,
			OnPacket:        func(k protocol.Kind) { h.metrics.Packet(k.String()) },
			OnDrop:          h.metrics.OutboundDropped,
		})
	})
	h.dict.AddSubscriber(s.ID(), s.Matcher())
	h.sessions.Add(1)
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.log.Debug("hub: accepted", "session", s.ID(), "remote", s.RemoteAddr())
	h.observe(Accepted{SessionID: s.ID(), RemoteAddr: s.RemoteAddr()})
	go func() {
		defer h.sessions.Done()
		s.Serve()
	}()
	return s, nil
}

func (h *Hub) observe(ev Event) {
	if h.opts.Observer != nil {
		h.opts.Observer(ev)
	}
}

// --- session.Server ---------------------------------------------------------

// IsFeatureEnabled reports whether a feature-gated command is available.
func (h *Hub) IsFeatureEnabled(feature string) bool { return !h.disabled[feature] }

// ClampRPCTimeout validates a client-requested timeout in milliseconds.
func (h *Hub) ClampRPCTimeout(ms int64) (time.Duration, bool) {
	if ms < 0 {
		return 0, false
	}
	d := time.Duration(ms) * time.Millisecond
	if limit := h.opts.RPCMaxTimeout; limit > 0 && d > limit {
		d = limit
	}
	return d, true
}

// Matchers returns the shared matcher cache.
func (h *Hub) Matchers() *match.Cache { return h.matchers }

// --- value operations for embedding applications ----------------------------

// CreateValue stores value under key unless the key exists. It reports
// whether the entry was created. Subscribers are not notified.
func (h *Hub) CreateValue(key, value string) bool {
	_, created := h.dict.CreateSeeded(key, value, h.seed)
	return created
}

// UpdateValue stores value under key, stamped with the current time, and
// notifies every subscriber.
func (h *Hub) UpdateValue(key, value string) {
	h.dict.GetOrCreate(key, h.seed)
	h.dict.UpdateValue(key, value, dictionary.WithTimestamp(time.Now().UnixMilli()), dictionary.WithSender(h))
	h.post(func() { h.scheduleStored(key, 0) })
}

// DeleteValue removes key. It reports whether the key existed.
func (h *Hub) DeleteValue(key string) bool {
	return h.dict.DeleteValue(key)
}

// seed selects the live sessions whose mask matches key. It runs under the
// dictionary lock.
func (h *Hub) seed(key string) []uint64 {
	var ids []uint64
	for _, s := range h.conns.All() {
		if s.Matches(key) {
			ids = append(ids, s.ID())
		}
	}
	return ids
}
