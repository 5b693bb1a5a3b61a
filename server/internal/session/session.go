package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kvhub/kvhub/server/internal/dictionary"
	"github.com/kvhub/kvhub/server/internal/match"
	"github.com/kvhub/kvhub/server/internal/protocol"
	"github.com/kvhub/kvhub/server/internal/render"
	"github.com/kvhub/kvhub/server/internal/rpc"
)

// DefaultMaxQueue bounds the outbound FIFO when Config.MaxQueue is unset.
const DefaultMaxQueue = 4096

const readBufSize = 4096

// Transport is the byte stream a Session serves. *net.TCPConn satisfies it;
// the WebSocket bridge provides an adapter.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Server is the part of the owning hub a Session consults while it
// interprets commands.
type Server interface {
	IsFeatureEnabled(feature string) bool
	// ClampRPCTimeout validates a client-requested call timeout in ms. It
	// returns false to reject the value; 0 selects the default.
	ClampRPCTimeout(ms int64) (time.Duration, bool)
	Matchers() *match.Cache
}

// Handler receives the events of a Session.
type Handler interface {
	HandleSessionEvent(s *Session, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Session, ev Event)

func (f HandlerFunc) HandleSessionEvent(s *Session, ev Event) { f(s, ev) }

// Config holds everything New needs.
type Config struct {
	ID        uint64
	Owner     string // ID of the accepting hub
	Transport Transport
	Server    Server
	Handler   Handler
	Options   Options

	// Mask is applied without emitting SubscriptionUpdateEvent.
	Mask            string
	TimestampFormat render.Format
	MaxQueue        int
	MaxLine         int

	Logger *slog.Logger
	// OnPacket is called for every decoded packet. Optional.
	OnPacket func(protocol.Kind)
	// OnDrop is called when the outbound FIFO discards a line. Optional.
	OnDrop func()
}

// Session is one client connection.
type Session struct {
	id        uint64
	owner     string
	t         Transport
	remote    string
	srv       Server
	h         Handler
	log       *slog.Logger
	parser    *protocol.Parser
	onPacket  func(protocol.Kind)
	now       func() time.Time
	connected time.Time

	mu         sync.Mutex
	name       string
	matcher    *match.Matcher
	maskText   string
	tsFormat   render.Format
	opts       Options
	procedures map[string]struct{}
	whitelist  map[string]struct{}

	out       outbox
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// New builds a Session. It does not start any goroutine; call Serve.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	remote := ""
	if a := cfg.Transport.RemoteAddr(); a != nil {
		remote = a.String()
	}
	limit := cfg.MaxQueue
	if limit <= 0 {
		limit = DefaultMaxQueue
	}
	s := &Session{
		id:         cfg.ID,
		owner:      cfg.Owner,
		t:          cfg.Transport,
		remote:     remote,
		srv:        cfg.Server,
		h:          cfg.Handler,
		log:        log.With("session", cfg.ID),
		parser:     protocol.NewParser(cfg.MaxLine),
		onPacket:   cfg.OnPacket,
		now:        time.Now,
		tsFormat:   cfg.TimestampFormat,
		opts:       cfg.Options.Normalize(),
		procedures: make(map[string]struct{}),
		whitelist:  make(map[string]struct{}),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.connected = s.now()
	s.out.init(limit, cfg.OnDrop)
	if err := s.SetMask(cfg.Mask, false); err != nil {
		s.log.Warn("session: default mask rejected", "mask", cfg.Mask, "err", err)
	}
	return s
}

// ID returns the connection ID assigned by the connection manager.
func (s *Session) ID() uint64 { return s.id }

// Owner returns the ID of the hub that accepted the connection.
func (s *Session) Owner() string { return s.owner }

// RemoteAddr returns the peer address captured at accept time.
func (s *Session) RemoteAddr() string { return s.remote }

// ConnectedAt returns the accept time.
func (s *Session) ConnectedAt() time.Time { return s.connected }

// IDString identifies the session in log lines.
func (s *Session) IDString() string {
	return fmt.Sprintf("Client %s (ID %d)", s.remote, s.id)
}

// ShortID returns the client name, or "#<id>" for anonymous clients.
func (s *Session) ShortID() string {
	if n := s.Name(); n != "" {
		return n
	}
	return "#" + strconv.FormatUint(s.id, 10)
}

// Name returns the name set with "#identify", or "".
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Matcher returns the compiled subscription mask. It may be nil.
func (s *Session) Matcher() *match.Matcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matcher
}

// MaskText returns the mask source as last set.
func (s *Session) MaskText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maskText
}

// Matches reports whether key is selected by the subscription mask.
func (s *Session) Matches(key string) bool {
	return s.Matcher().Test(key)
}

// TimestampFormat returns the rendering mode for notifications.
func (s *Session) TimestampFormat() render.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tsFormat
}

// Options returns a copy of the current options.
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetMask compiles and installs mask. In regex mode the text is a regular
// expression and may fail to compile. Installing the matcher already in
// place is a no-op; otherwise SubscriptionUpdateEvent is emitted when
// notify is set.
func (s *Session) SetMask(mask string, notify bool) error {
	mask = strings.TrimSpace(mask)
	s.mu.Lock()
	regexMode := s.opts.RegexMode
	s.mu.Unlock()

	var m *match.Matcher
	if regexMode {
		var err error
		if m, err = s.srv.Matchers().CompileRegexp(mask); err != nil {
			return fmt.Errorf("session: mask: %w", err)
		}
	} else {
		m = s.srv.Matchers().Compile(mask)
	}

	s.mu.Lock()
	if m == s.matcher {
		s.mu.Unlock()
		return nil
	}
	s.matcher = m
	s.maskText = mask
	s.mu.Unlock()

	if notify {
		s.emit(SubscriptionUpdateEvent{})
	}
	return nil
}

// Procedures returns the names this session has registered, sorted.
func (s *Session) Procedures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.procedures))
	for n := range s.procedures {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddProcedure records a successful registration.
func (s *Session) AddProcedure(name string) {
	s.mu.Lock()
	s.procedures[name] = struct{}{}
	s.mu.Unlock()
}

// RemoveProcedure forgets a registration.
func (s *Session) RemoveProcedure(name string) {
	s.mu.Lock()
	delete(s.procedures, name)
	s.mu.Unlock()
}

// --- output -----------------------------------------------------------------

// Send queues "name=value".
func (s *Session) Send(name, value string) {
	s.writeLine(name + "=" + value)
}

// SendObject queues "name=<json>".
func (s *Session) SendObject(name string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("session: encode response", "name", name, "err", err)
		return
	}
	s.Send(name, string(b))
}

// SendValue renders snap with the session's timestamp format.
func (s *Session) SendValue(snap dictionary.Snapshot) {
	s.SendRendered(render.New(snap))
}

// SendRendered writes the line from a shared renderer. The renderer is not
// goroutine-safe; callers fanning out share it from a single goroutine.
func (s *Session) SendRendered(r *render.Renderer) {
	s.writeLine(r.Line(s.TimestampFormat()))
}

// SendRPC relays a dispatched call and whitelists its masked tag for the
// single matching "#result".
func (s *Session) SendRPC(c rpc.Call) {
	tag := strconv.FormatUint(c.MaskedTag, 10)
	s.mu.Lock()
	s.whitelist[tag] = struct{}{}
	s.mu.Unlock()
	s.Send("#call", rpc.FormatCall(c))
}

// RevokeRPC forgets a masked tag whose call timed out or was dropped, so a
// late "#result" for it is ignored.
func (s *Session) RevokeRPC(maskedTag uint64) {
	s.mu.Lock()
	delete(s.whitelist, strconv.FormatUint(maskedTag, 10))
	s.mu.Unlock()
}

// SendRPCResult delivers a call outcome with the caller's own tag.
func (s *Session) SendRPCResult(c rpc.Call) {
	s.Send("#result", rpc.FormatResult(c))
}

func (s *Session) writeLine(text string) {
	s.mu.Lock()
	eol := lineEndings[s.opts.LineEnding]
	s.mu.Unlock()
	s.out.push(text + eol)
}

// --- lifecycle --------------------------------------------------------------

// Serve reads the transport until it fails or Close is called, dispatching
// events to the Handler. It emits DisconnectEvent last and returns after the
// writer goroutine has stopped.
func (s *Session) Serve() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	buf := make([]byte, readBufSize)
	for {
		n, err := s.t.Read(buf)
		if n > 0 {
			pkts, perr := s.parser.Feed(buf[:n])
			for _, p := range pkts {
				s.handle(p)
			}
			if perr != nil {
				s.emit(ErrorEvent{Err: perr})
			}
		}
		if err != nil {
			if !s.isClosing() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.emit(ErrorEvent{Err: err})
			}
			break
		}
	}

	s.Close()
	<-writerDone
	s.emit(DisconnectEvent{})
	close(s.done)
}

// Close shuts the transport down. Queued output that was not yet written is
// discarded. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		if err := s.t.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("session: close transport", "err", err)
		}
	})
}

// Done is closed after Serve has emitted DisconnectEvent.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Session) emit(ev Event) {
	if s.h != nil {
		s.h.HandleSessionEvent(s, ev)
	}
}
