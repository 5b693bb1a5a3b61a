package hub

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvhub/kvhub/pkg/client"
	"github.com/kvhub/kvhub/server/internal/connmgr"
	"github.com/kvhub/kvhub/server/internal/dictionary"
	"github.com/kvhub/kvhub/server/internal/match"
	"github.com/kvhub/kvhub/server/internal/rpc"
	"github.com/kvhub/kvhub/server/internal/session"
)

const wait = 2 * time.Second

func startHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := New(opts, nil, nil, nil, nil)
	require.NoError(t, h.Listen(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func dial(t *testing.T, h *Hub) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), h.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	barrier(t, c)
	return c
}

// barrier returns once the hub loop has processed everything c sent so
// far: "#fetch" is answered from the loop, after earlier events of c.
func barrier(t *testing.T, c *client.Client) {
	t.Helper()
	require.NoError(t, c.Command("fetch", "__barrier__"))
	_, err := c.Expect(wait, func(l string) bool { return strings.HasPrefix(l, "#fetch=") })
	require.NoError(t, err)
}

// quiet is a barrier that also asserts c received nothing before it.
func quiet(t *testing.T, c *client.Client) {
	t.Helper()
	require.NoError(t, c.Command("fetch", "__barrier__"))
	assert.Equal(t, "#fetch=[]", readLine(t, c))
}

func readLine(t *testing.T, c *client.Client) string {
	t.Helper()
	line, err := c.ReadLine(wait)
	require.NoError(t, err)
	return line
}

func TestStoreNotifiesSubscribersButNotSender(t *testing.T) {
	h := startHub(t, Options{DefaultMask: ""})
	a, b := dial(t, h), dial(t, h)

	require.NoError(t, a.Command("mask", "*"))
	require.NoError(t, b.Command("mask", "room/*"))
	barrier(t, a)
	barrier(t, b)

	require.NoError(t, a.Store("room/temp", "21"))
	assert.Equal(t, "room/temp=21", readLine(t, b))

	quiet(t, a) // a must not have received its own update
	require.NoError(t, a.Store("hall/temp", "18"))
	require.NoError(t, b.Store("room/temp", "22"))
	assert.Equal(t, "room/temp=22", readLine(t, a))
}

func TestMaskChangeResubscribes(t *testing.T) {
	h := startHub(t, Options{DefaultMask: ""})
	a, b := dial(t, h), dial(t, h)

	require.NoError(t, a.Store("x/1", "one"))
	barrier(t, a)

	require.NoError(t, b.Command("mask", "x/*"))
	barrier(t, b)
	e, ok := h.Dictionary().Entry("x/1")
	require.True(t, ok)
	assert.Len(t, e.Subscribers(), 1)

	require.NoError(t, a.Store("x/1", "two"))
	assert.Equal(t, "x/1=two", readLine(t, b))

	require.NoError(t, b.Command("mask", ""))
	barrier(t, b)
	assert.Empty(t, e.Subscribers())
}

func TestPublishDoesNotPersist(t *testing.T) {
	h := startHub(t, Options{DefaultMask: "*"})
	a, b := dial(t, h), dial(t, h)

	require.NoError(t, a.Store("k", "1"))
	assert.Equal(t, "k=1", readLine(t, b))

	require.NoError(t, a.Publish("k", "2"))
	assert.Equal(t, "k=2", readLine(t, b))

	require.NoError(t, b.Retrieve("k"))
	assert.Equal(t, "k=1", readLine(t, b))

	require.NoError(t, a.Publish("chan", "hello"))
	assert.Equal(t, "chan=hello", readLine(t, b))
	snap, ok := h.Dictionary().Get("chan")
	require.True(t, ok)
	assert.False(t, snap.Assigned)
}

func TestRetrieve(t *testing.T) {
	h := startHub(t, Options{DefaultMask: ""})
	a := dial(t, h)

	require.NoError(t, a.Store("k", "v"))
	require.NoError(t, a.Retrieve("k"))
	assert.Equal(t, "k=v", readLine(t, a))

	require.NoError(t, a.Retrieve("missing"))
	quiet(t, a)

	require.NoError(t, a.Command("set", "retrieveNonExisting 1"))
	assert.Equal(t, "#set=retrieveNonExisting true", readLine(t, a))
	require.NoError(t, a.Retrieve("missing"))
	assert.Equal(t, "missing=", readLine(t, a))
	assert.False(t, h.Dictionary().Exists("missing"))
}

func TestRetrieveAutoCreate(t *testing.T) {
	h := startHub(t, Options{AutoCreateOnRetrieve: true})
	a := dial(t, h)

	require.NoError(t, a.Send("fresh?=dflt"))
	assert.Equal(t, "fresh=dflt", readLine(t, a))
	snap, ok := h.Dictionary().Get("fresh")
	require.True(t, ok)
	assert.Equal(t, "dflt", snap.Value)
}

func TestTimestampFormats(t *testing.T) {
	h := startHub(t, Options{DefaultMask: ""})
	a := dial(t, h)

	require.NoError(t, a.StoreAt("k", 1700000000000, "v"))
	require.NoError(t, a.Command("timestamp", "abs"))
	require.NoError(t, a.Retrieve("k"))
	assert.Equal(t, "k@1700000000000=v", readLine(t, a))
}

func TestListFetchDump(t *testing.T) {
	h := startHub(t, Options{DefaultMask: ""})
	a := dial(t, h)

	require.NoError(t, a.Store("room/a", "1"))
	require.NoError(t, a.Store("room/b", "2"))
	require.NoError(t, a.Store("hall/c", "3"))
	require.NoError(t, a.Publish("room/chan", "x"))

	require.NoError(t, a.Command("list", "room/*"))
	assert.Equal(t, "room/a=1", readLine(t, a))
	assert.Equal(t, "room/b=2", readLine(t, a))

	require.NoError(t, a.Command("fetch", "room/*"))
	assert.Equal(t, `#fetch=["room/a","room/b","room/chan"]`, readLine(t, a))

	require.NoError(t, a.Command("dump", ""))
	line := readLine(t, a)
	require.True(t, strings.HasPrefix(line, "#dump="))
	var dump map[string]*string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "#dump=")), &dump))
	assert.Len(t, dump, 4)
	assert.Nil(t, dump["room/chan"])
	require.NotNil(t, dump["hall/c"])
	assert.Equal(t, "3", *dump["hall/c"])
}

func TestDelete(t *testing.T) {
	h := startHub(t, Options{})
	a := dial(t, h)

	require.NoError(t, a.Store("k", "v"))
	require.NoError(t, a.Command("delete", "k"))
	barrier(t, a)
	assert.False(t, h.Dictionary().Exists("k"))
}

func TestDisabledFeature(t *testing.T) {
	h := startHub(t, Options{DisabledFeatures: []string{session.FeatureDelete}})
	a := dial(t, h)

	require.NoError(t, a.Store("k", "v"))
	require.NoError(t, a.Command("delete", "k"))
	barrier(t, a)
	assert.True(t, h.Dictionary().Exists("k"))
}

func TestOnline(t *testing.T) {
	h := startHub(t, Options{})
	a, b := dial(t, h), dial(t, h)

	require.NoError(t, b.Command("identify", "bob"))
	barrier(t, b)

	require.NoError(t, a.Command("online", ""))
	var list []map[string]any
	line := readLine(t, a)
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "#online=")), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[1]["nick"])
	assert.NotContains(t, list[0], "addr")

	require.NoError(t, a.Command("online", "bob?"))
	line = readLine(t, a)
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "#online=")), &list))
	require.Len(t, list, 1)
	assert.Contains(t, list[0], "addr")
	assert.Contains(t, list[0], "uptime")
}

func TestRPC_NotRegistered(t *testing.T) {
	var mu sync.Mutex
	var errs []ClientError
	h := startHub(t, Options{Observer: func(ev Event) {
		if ce, ok := ev.(ClientError); ok {
			mu.Lock()
			errs = append(errs, ce)
			mu.Unlock()
		}
	}})
	a := dial(t, h)

	require.NoError(t, a.Command("call", "tag1 getStatus arg1"))
	assert.Equal(t, "#result=tag1 404", readLine(t, a))
	assert.Zero(t, h.Dispatcher().Pending())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, wait, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, errs[0].Err, rpc.ErrNotRegistered)
}

func TestRPC_RoundTrip(t *testing.T) {
	h := startHub(t, Options{})
	caller, provider := dial(t, h), dial(t, h)

	require.NoError(t, provider.Command("regrpc", "getStatus"))
	barrier(t, provider)
	require.NoError(t, caller.Command("regrpc", "getStatus"))
	assert.Equal(t, "#regrpc=ERROR", readLine(t, caller))

	require.NoError(t, caller.Command("listrpc", ""))
	assert.Equal(t, "#listrpc=getStatus", readLine(t, caller))

	require.NoError(t, caller.Command("call", "tag1 getStatus"))
	relayed := readLine(t, provider)
	require.True(t, strings.HasPrefix(relayed, "#call="), relayed)
	fields := strings.Fields(strings.TrimPrefix(relayed, "#call="))
	require.Len(t, fields, 2)
	assert.Equal(t, "getStatus", fields[1])

	require.NoError(t, provider.Command("result", fields[0]+" 200 ok"))
	assert.Equal(t, "#result=tag1 200 ok", readLine(t, caller))
	assert.Zero(t, h.Dispatcher().Pending())
}

func TestRPC_Timeout(t *testing.T) {
	h := startHub(t, Options{})
	caller, provider := dial(t, h), dial(t, h)

	require.NoError(t, provider.Command("regrpc", "slow"))
	barrier(t, provider)
	require.NoError(t, caller.Command("set", "rpcTimeout 30"))
	assert.Equal(t, "#set=rpcTimeout 30", readLine(t, caller))

	require.NoError(t, caller.Command("call", "t slow"))
	assert.Equal(t, "#result=t 502", readLine(t, caller))
	assert.Zero(t, h.Dispatcher().Pending())
}

func TestDisconnectCleansUp(t *testing.T) {
	closed := make(chan uint64, 4)
	h := startHub(t, Options{DefaultMask: "*", Observer: func(ev Event) {
		if cc, ok := ev.(ConnectionClosed); ok {
			closed <- cc.SessionID
		}
	}})
	a, p := dial(t, h), dial(t, h)

	require.NoError(t, a.Store("k", "v"))
	require.NoError(t, p.Command("regrpc", "svc"))
	barrier(t, p)
	barrier(t, a)
	e, _ := h.Dictionary().Entry("k")
	require.Len(t, e.Subscribers(), 2)

	require.NoError(t, p.Close())
	select {
	case <-closed:
	case <-time.After(wait):
		t.Fatal("no ConnectionClosed event")
	}
	assert.Len(t, e.Subscribers(), 1)
	assert.Empty(t, h.Dispatcher().ListRegistered())
	assert.Equal(t, 1, h.Connections().Count())
}

func TestHubUpdateValueNotifies(t *testing.T) {
	h := startHub(t, Options{DefaultMask: "cfg/*"})
	a := dial(t, h)
	barrier(t, a)

	assert.True(t, h.CreateValue("cfg/x", "1"))
	assert.False(t, h.CreateValue("cfg/x", "2"))
	h.UpdateValue("cfg/x", "3")
	assert.Equal(t, "cfg/x=3", readLine(t, a))
	assert.True(t, h.DeleteValue("cfg/x"))
}

func TestLifecycle(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	h := New(Options{Observer: func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}}, nil, nil, nil, nil)

	ctx := context.Background()
	require.NoError(t, h.Listen(ctx, "127.0.0.1:0"))
	assert.ErrorIs(t, h.Listen(ctx, "127.0.0.1:0"), ErrAlreadyListening)

	c := dial(t, h)
	barrier(t, c)

	require.NoError(t, h.Stop(ctx))
	require.NoError(t, h.Stop(ctx))
	assert.ErrorIs(t, h.Listen(ctx, "127.0.0.1:0"), ErrStopped)
	assert.Nil(t, h.Addr())
	assert.Zero(t, h.Connections().Count())

	_, err := c.ReadLine(wait)
	assert.Error(t, err, "session should be closed by Stop")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.IsType(t, Listening{}, events[0])
	assert.IsType(t, Stopped{}, events[len(events)-1])
}

func TestStopBeforeListen(t *testing.T) {
	h := New(Options{}, nil, nil, nil, nil)
	require.NoError(t, h.Stop(context.Background()))
	assert.ErrorIs(t, h.Listen(context.Background(), "127.0.0.1:0"), ErrStopped)
}

func TestMirrorsShareState(t *testing.T) {
	dict := dictionary.New()
	disp := rpc.NewDispatcher()
	conns := connmgr.New()
	cache := match.NewCache()
	ctx := context.Background()

	primary := New(Options{Name: "primary", DefaultMask: "*"}, dict, disp, conns, cache)
	mirror := New(Options{Name: "mirror", DefaultMask: "*"}, dict, disp, conns, cache)
	require.NoError(t, primary.Listen(ctx, "127.0.0.1:0"))
	require.NoError(t, mirror.Listen(ctx, "127.0.0.1:0"))
	defer mirror.Stop(ctx)

	a, b := dial(t, primary), dial(t, mirror)
	barrier(t, a)
	barrier(t, b)

	require.NoError(t, a.Store("shared", "1"))
	assert.Equal(t, "shared=1", readLine(t, b))

	require.NoError(t, b.Command("regrpc", "onMirror"))
	barrier(t, b)
	require.NoError(t, a.Command("call", "t onMirror"))
	assert.Equal(t, "#call=1 onMirror", readLine(t, b))

	require.NoError(t, primary.Stop(ctx))
	assert.Equal(t, 1, conns.Count(), "mirror sessions survive primary stop")
	assert.Zero(t, disp.Pending(), "primary's pending calls are dropped")

	require.NoError(t, b.Store("still", "alive"))
	barrier(t, b)
	assert.True(t, dict.Exists("still"))
}

// stuckTransport ignores Close and only reports EOF once released, so its
// session outlives a Stop that gives up waiting.
type stuckTransport struct{ release chan struct{} }

func (t stuckTransport) Read([]byte) (int, error) {
	<-t.release
	return 0, io.EOF
}
func (t stuckTransport) Write(p []byte) (int, error) { return len(p), nil }
func (t stuckTransport) Close() error                { return nil }
func (t stuckTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

func TestDisconnectAfterStopTimeout(t *testing.T) {
	h := New(Options{DefaultMask: "*"}, nil, nil, nil, nil)
	require.True(t, h.CreateValue("k", "v"))

	tr := stuckTransport{release: make(chan struct{})}
	served := make(chan error, 1)
	go func() { served <- h.ServeTransport(tr) }()
	require.Eventually(t, func() bool { return h.Connections().Count() == 1 }, wait, 10*time.Millisecond)
	e, ok := h.Dictionary().Entry("k")
	require.True(t, ok)
	require.Len(t, e.Subscribers(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, h.Stop(ctx), "the stuck session cannot drain in time")

	close(tr.release)
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("session did not end")
	}
	assert.Zero(t, h.Connections().Count())
	assert.Empty(t, e.Subscribers())
}
