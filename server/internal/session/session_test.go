package session

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kvhub/kvhub/server/internal/match"
	"github.com/kvhub/kvhub/server/internal/render"
	"github.com/kvhub/kvhub/server/internal/rpc"
)

type fakeServer struct {
	disabled map[string]bool
	cache    *match.Cache
}

func (f *fakeServer) IsFeatureEnabled(name string) bool { return !f.disabled[name] }

func (f *fakeServer) ClampRPCTimeout(ms int64) (time.Duration, bool) {
	if ms < 0 {
		return 0, false
	}
	if ms > 60000 {
		ms = 60000
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (f *fakeServer) Matchers() *match.Cache { return f.cache }

type harness struct {
	t      *testing.T
	s      *Session
	client net.Conn
	r      *bufio.Reader
	events chan Event
}

func start(t *testing.T, disabled ...string) *harness {
	t.Helper()
	srv := &fakeServer{disabled: map[string]bool{}, cache: match.NewCache()}
	for _, d := range disabled {
		srv.disabled[d] = true
	}
	serverSide, clientSide := net.Pipe()
	h := &harness{t: t, client: clientSide, r: bufio.NewReader(clientSide), events: make(chan Event, 64)}
	h.s = New(Config{
		ID:        7,
		Owner:     "hub-a",
		Transport: serverSide,
		Server:    srv,
		Handler:   HandlerFunc(func(_ *Session, ev Event) { h.events <- ev }),
		Options:   DefaultOptions(),
		Mask:      "*",
	})
	go h.s.Serve()
	t.Cleanup(func() {
		clientSide.Close()
		<-h.s.Done()
	})
	return h
}

func (h *harness) send(lines ...string) {
	h.t.Helper()
	for _, l := range lines {
		if _, err := h.client.Write([]byte(l + "\r\n")); err != nil {
			h.t.Fatalf("write %q: %v", l, err)
		}
	}
}

func (h *harness) readLine() string {
	h.t.Helper()
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.r.ReadString('\n')
	if err != nil {
		h.t.Fatalf("readLine: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (h *harness) event() Event {
	h.t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("no event")
		return nil
	}
}

func (h *harness) noEvent() {
	h.t.Helper()
	select {
	case ev := <-h.events:
		h.t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDataPackets(t *testing.T) {
	h := start(t)
	h.send("room/temp=21", "~chan=hi", "room/temp?", "missing?=dflt", "x@1000=y")

	st, ok := h.event().(StoreEvent)
	if !ok || st.Key != "room/temp" || st.Value != "21" || st.Timestamp == 0 {
		t.Errorf("store: got %+v", st)
	}
	pub, ok := h.event().(PublishEvent)
	if !ok || pub.Key != "chan" || pub.Value != "hi" {
		t.Errorf("publish: got %+v", pub)
	}
	rt, ok := h.event().(RetrieveEvent)
	if !ok || rt.Key != "room/temp" || rt.HasDefault {
		t.Errorf("retrieve: got %+v", rt)
	}
	rt, ok = h.event().(RetrieveEvent)
	if !ok || rt.Default != "dflt" || !rt.HasDefault {
		t.Errorf("retrieve with default: got %+v", rt)
	}
	st, ok = h.event().(StoreEvent)
	if !ok || st.Timestamp != 1000 {
		t.Errorf("stamped store: got %+v", st)
	}
}

func TestIdentify(t *testing.T) {
	h := start(t)

	h.send("#identify=alice")
	if ev, ok := h.event().(IdentifyEvent); !ok || ev.Name != "alice" {
		t.Fatalf("identify: got %#v", ev)
	}
	h.send("#id=alice")
	h.noEvent()

	h.send("#nick?")
	if got := h.readLine(); got != "#nick=alice" {
		t.Errorf("query: got %q, want #nick=alice", got)
	}
	h.send("#identify=9bad")
	if got := h.readLine(); got != "#identify=ERROR" {
		t.Errorf("invalid name: got %q", got)
	}
	if h.s.Name() != "alice" || h.s.ShortID() != "alice" {
		t.Errorf("name: got %q", h.s.Name())
	}
}

func TestMask(t *testing.T) {
	h := start(t)

	h.send("#mask=room/*")
	if _, ok := h.event().(SubscriptionUpdateEvent); !ok {
		t.Fatal("mask change: expected SubscriptionUpdateEvent")
	}
	h.send("#notify=  room/*  ")
	h.noEvent()

	if !h.s.Matches("room/temp") || h.s.Matches("hall/temp") {
		t.Error("Matches: unexpected result for room/*")
	}

	h.send("#sub=hall/*")
	h.event()
	if got := h.s.MaskText(); got != "room/* hall/*" {
		t.Errorf("after subscribe: got %q", got)
	}
	h.send("#unsub=room/*")
	h.event()
	if got := h.s.MaskText(); got != "hall/*" {
		t.Errorf("after unsubscribe: got %q", got)
	}
}

func TestMask_RegexMode(t *testing.T) {
	h := start(t)
	h.send("#set=regexMode 1")
	if got := h.readLine(); got != "#set=regexMode true" {
		t.Fatalf("set: got %q", got)
	}
	if ev, ok := h.event().(OptionSetEvent); !ok || ev.Name != "regexMode" {
		t.Fatalf("option event: got %#v", ev)
	}

	h.send("#mask=^room/(a|b)$")
	h.event()
	if !h.s.Matches("room/a") || h.s.Matches("room/c") {
		t.Error("regex mask not applied")
	}
	h.send("#mask=(")
	if got := h.readLine(); got != "#mask=ERROR" {
		t.Errorf("bad regex: got %q", got)
	}
	h.send("#subscribe=x")
	if got := h.readLine(); got != "#subscribe=ERROR" {
		t.Errorf("subscribe in regex mode: got %q", got)
	}
}

func TestSetOptions(t *testing.T) {
	h := start(t)
	cases := []struct{ line, want string }{
		{"#set=retrieveNonExisting true", "#set=retrieveNonExisting true"},
		{"#set=retrieveNonExisting maybe", "#set=ERROR"},
		{"#set=encoding ascii", "#set=encoding ascii"},
		{"#set=encoding latin1", "#set=ERROR"},
		{"#set=rpcTimeout 999999", "#set=rpcTimeout 60000"},
		{"#set=rpcTimeout -1", "#set=ERROR"},
		{"#set=noSuchOption 1", "#set=ERROR"},
	}
	for _, c := range cases {
		h.send(c.line)
		if got := h.readLine(); got != c.want {
			t.Errorf("%s: got %q, want %q", c.line, got, c.want)
		}
	}
	o := h.s.Options()
	if !o.RetrieveNonExisting || o.Encoding != EncodingASCII || o.RPCTimeout != time.Minute {
		t.Errorf("Options: got %+v", o)
	}
}

func TestLineEnding(t *testing.T) {
	h := start(t)
	h.send("#set=lineEnding crlf")
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := h.r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if raw != "#set=lineEnding crlf\r\n" {
		t.Errorf("got %q", raw)
	}
}

func TestASCIIEncoding(t *testing.T) {
	h := start(t)
	h.send("#set=encoding ascii")
	h.readLine()
	h.s.Send("k", "grüße")
	if got := h.readLine(); got != "k=gr??e" {
		t.Errorf("ascii: got %q", got)
	}
}

func TestFeatureGate(t *testing.T) {
	h := start(t, FeatureEcho)
	h.send("#echo=k v", "#list")
	if ev, ok := h.event().(ListEvent); !ok || ev.Mask != "*" {
		t.Errorf("list: got %#v", ev)
	}

	h2 := start(t)
	h2.send("#echo=k some value")
	if got := h2.readLine(); got != "k=some value" {
		t.Errorf("echo: got %q", got)
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	h := start(t)
	h.send("#login=x", "#fetch")
	if ev, ok := h.event().(FetchEvent); !ok || ev.Mask != "" {
		t.Errorf("fetch: got %#v", ev)
	}
}

func TestTimestampFormat(t *testing.T) {
	h := start(t)
	h.send("#ts=abs")
	if ev, ok := h.event().(TimestampFormatEvent); !ok || ev.Format != render.Abs {
		t.Fatalf("timestamp: got %#v", ev)
	}
	h.send("#timestamp=abs")
	h.noEvent()
	h.send("#timestamp=garbage")
	if ev, ok := h.event().(TimestampFormatEvent); !ok || ev.Format != render.None {
		t.Errorf("invalid format should reset to none: got %#v", ev)
	}
}

func TestRPCCommands(t *testing.T) {
	h := start(t)

	h.send("#call=tag1 getStatus arg1")
	ev, ok := h.event().(CallEvent)
	if !ok || ev.Call.Tag != "tag1" || ev.Call.Procedure != "getStatus" || ev.Call.Owner != "hub-a" {
		t.Fatalf("call: got %#v", ev)
	}

	h.send("#rpc=onlytag")
	if got := h.readLine(); got != "#call=ERROR" {
		t.Errorf("malformed call: got %q", got)
	}

	h.s.SendRPC(rpc.Call{MaskedTag: 12, Procedure: "getStatus", Args: "x"})
	if got := h.readLine(); got != "#call=12 getStatus x" {
		t.Errorf("relay: got %q", got)
	}

	h.send("#result=99 200 nope")
	h.noEvent()

	h.send("#result=12 200 ok")
	res, ok := h.event().(ResultEvent)
	if !ok || res.MaskedTag != 12 || res.Code != "200" || res.Result != "ok" {
		t.Fatalf("result: got %#v", res)
	}
	h.send("#result=12 200 again")
	h.noEvent()

	h.send("#result=bad")
	if got := h.readLine(); got != "#result=ERROR" {
		t.Errorf("malformed result: got %q", got)
	}
}

func TestRevokeRPC(t *testing.T) {
	h := start(t)

	h.s.SendRPC(rpc.Call{MaskedTag: 13, Procedure: "slow"})
	if got := h.readLine(); got != "#call=13 slow" {
		t.Fatalf("relay: got %q", got)
	}
	h.s.RevokeRPC(13)

	h.send("#result=13 200 late")
	h.noEvent()
}

func TestDisconnect(t *testing.T) {
	h := start(t)
	h.client.Close()
	if _, ok := h.event().(DisconnectEvent); !ok {
		t.Fatal("expected DisconnectEvent")
	}
	select {
	case <-h.s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
}

func TestOutboxDropsOldest(t *testing.T) {
	var o outbox
	drops := 0
	o.init(3, func() { drops++ })
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		o.push(l)
	}
	if got := o.drain(); got != "cde" {
		t.Errorf("drain: got %q, want cde", got)
	}
	if drops != 2 {
		t.Errorf("drops: got %d, want 2", drops)
	}
	if o.Len() != 0 {
		t.Errorf("Len after drain: got %d", o.Len())
	}
}

func TestCanonical(t *testing.T) {
	cases := map[string]string{"rpc": "call", "nickname": "identify", "notify": "mask", "ts": "timestamp", "list": "list"}
	for in, want := range cases {
		if got, ok := Canonical(in); !ok || got != want {
			t.Errorf("Canonical(%q): got %q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := Canonical("login"); ok {
		t.Error("Canonical(login): expected unknown")
	}
}
