package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kvhub/kvhub/server/internal/connmgr"
	"github.com/kvhub/kvhub/server/internal/hub"
	"github.com/kvhub/kvhub/server/internal/metrics"
)

func TestBindingKind(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:7778": "private localhost server",
		"[::]:7778":      "public server",
		"0.0.0.0:1":      "public server",
		"10.0.0.5:7778":  "server",
		"garbage":        "server",
	}
	for addr, want := range cases {
		if got := bindingKind(addr); got != want {
			t.Errorf("bindingKind(%q): got %q, want %q", addr, got, want)
		}
	}
}

func TestObserver_InfoRequest(t *testing.T) {
	m := metrics.New(false)
	m.OutboundDropped()
	o := &observer{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		conns:   connmgr.New(),
		metrics: m,
	}
	h := hub.New(hub.Options{}, nil, nil, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	o.setHub("primary", h)

	var got any
	o.forHub("primary")(hub.InfoRequested{
		SessionID:  3,
		RemoteAddr: "127.0.0.1:5000",
		Respond:    func(v any) { got = v },
	})

	info, ok := got.(infoResponse)
	if !ok {
		t.Fatalf("response type: got %T", got)
	}
	if info.Server.ID != h.ID() || info.Server.Name != "primary" || info.Server.Version != version {
		t.Errorf("server: got %+v", info.Server)
	}
	if info.Client.ID != 3 || info.Client.RemoteAddress != "127.0.0.1:5000" {
		t.Errorf("client: got %+v", info.Client)
	}
	if info.Metrics["outbound_dropped_total"] != 1 {
		t.Errorf("metrics: got %v", info.Metrics)
	}
}
