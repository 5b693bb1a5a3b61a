package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kvhub/kvhub/server/internal/api"
	"github.com/kvhub/kvhub/server/internal/config"
	"github.com/kvhub/kvhub/server/internal/connmgr"
	"github.com/kvhub/kvhub/server/internal/dictionary"
	"github.com/kvhub/kvhub/server/internal/health"
	"github.com/kvhub/kvhub/server/internal/hub"
	"github.com/kvhub/kvhub/server/internal/match"
	"github.com/kvhub/kvhub/server/internal/metrics"
	"github.com/kvhub/kvhub/server/internal/preload"
	"github.com/kvhub/kvhub/server/internal/rpc"
	"github.com/kvhub/kvhub/server/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// stopTimeout bounds how long shutdown waits for sessions to drain.
const stopTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (YAML); defaults apply when empty")
	port := flag.Int("port", 0, "network port the server listens on (overrides server.binding.port)")
	local := flag.Bool("local", false, "force bind the server to 127.0.0.1")
	preloadFile := flag.String("preload", "", "preload the dictionary with key/values from file (.txt, .properties, .json)")
	httpAddr := flag.String("http", "", "enable the REST API and WebSocket bridge on <ip>:<port>")
	debug := flag.Bool("debug", false, "enable debug output")
	verbose := flag.Bool("verbose", false, "trace dictionary changes and client activity")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString("kvhub " + version + "\n") //nolint:errcheck
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Command line overrides the file.
	if *port != 0 {
		cfg.Server.Binding.Port = *port
	}
	if *local {
		cfg.Server.Binding.Address = "127.0.0.1"
	}
	if *preloadFile != "" {
		cfg.Preload.File = *preloadFile
	}
	if *httpAddr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Address = *httpAddr
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Log.SlogLevel())
	if *debug {
		level.Set(slog.LevelDebug)
	}
	logger := newLogger(cfg.Log.Format, level)
	slog.SetDefault(logger)

	slog.Info("kvhub starting", "version", version, "config", *configPath)
	if *verbose {
		slog.Info("running configuration",
			"binding", cfg.Server.Binding.String(),
			"mirrors", len(cfg.Server.Mirrors),
			"notification_mask", cfg.Server.NotificationMask,
			"disabled_features", cfg.Server.DisabledFeatures,
			"http", cfg.HTTP.Enabled,
			"health", cfg.Health.GRPCAddress,
			"preload", cfg.Preload.File,
		)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *configPath, level, *debug, *verbose); err != nil {
		slog.Error("kvhub stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("kvhub exited")
}

func newLogger(format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar, debug, verbose bool) error {
	// State shared by the primary hub and its mirrors.
	m := metrics.New(true)
	dict := dictionary.New()
	if err := m.TrackEntries(dict.Len); err != nil {
		return err
	}
	disp := rpc.NewDispatcher(
		rpc.WithDefaultTimeout(cfg.Server.RPC.DefaultTimeout),
		rpc.WithMaxTimeout(cfg.Server.RPC.MaxTimeout),
		rpc.WithListener(m.ObserveRPC),
	)
	conns := connmgr.New()
	matchers := match.NewCache()

	if verbose || debug {
		dict.AddListener(traceDictionary(slog.Default()))
	}

	var healthSrv *health.Server
	if cfg.Health.GRPCAddress != "" {
		healthSrv = health.New(slog.Default())
	}

	newHub := func(name, mask string, observe func(hub.Event)) *hub.Hub {
		return hub.New(hub.Options{
			Name:                 name,
			DefaultMask:          mask,
			ClientOptions:        cfg.ClientOptions.Session(),
			TimestampFormat:      cfg.ClientOptions.TimestampFormat(),
			AutoCreateOnRetrieve: cfg.Server.AutoCreateOnRetrieve,
			DisabledFeatures:     cfg.Server.DisabledFeatures,
			RPCMaxTimeout:        cfg.Server.RPC.MaxTimeout,
			MaxQueue:             cfg.Server.MaxQueue,
			EventQueue:           cfg.Server.EventQueue,
			Logger:               slog.Default(),
			Metrics:              m,
			Observer:             observe,
		}, dict, disp, conns, matchers)
	}

	obs := &observer{log: slog.Default(), conns: conns, metrics: m, verbose: verbose}
	primaryObserve := obs.forHub("primary")
	if healthSrv != nil {
		inner := primaryObserve
		primaryObserve = func(ev hub.Event) {
			healthSrv.Observe(ev)
			inner(ev)
		}
	}
	primary := newHub("primary", cfg.Server.NotificationMask, primaryObserve)
	obs.setHub("primary", primary)

	var mirrors []*hub.Hub
	var mirrorAddrs []string
	for i, mc := range cfg.Server.Mirrors {
		if !mc.Enabled {
			continue
		}
		name := "mirror-" + strconv.Itoa(i+1)
		mh := newHub(name, mc.NotificationMask, obs.forHub(name))
		obs.setHub(name, mh)
		mirrors = append(mirrors, mh)
		mirrorAddrs = append(mirrorAddrs, mc.Binding.String())
	}
	if len(mirrors) > 0 {
		slog.Debug("initializing server mirrors", "count", len(mirrors))
	}

	if cfg.Preload.File != "" {
		importPreload(cfg.Preload.File, primary, verbose)
	}

	if err := primary.Listen(ctx, cfg.Server.Binding.String()); err != nil {
		return err
	}
	for i, mh := range mirrors {
		if err := mh.Listen(ctx, mirrorAddrs[i]); err != nil {
			slog.Error("failed to start server mirror", "mirror", mh.Name(), "addr", mirrorAddrs[i], "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		bridge := ws.New(primary, slog.Default())
		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           api.New(primary, m, bridge),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("HTTP server listening", "addr", cfg.HTTP.Address)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			bridge.CloseAll()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if healthSrv != nil {
		g.Go(func() error { return healthSrv.ListenAndServe(gctx, cfg.Health.GRPCAddress) })
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, slog.Default(), func(next *config.Config) {
				if debug {
					return
				}
				level.Set(next.Log.SlogLevel())
				slog.Info("log level applied", "level", next.Log.SlogLevel().String())
			})
		})
	}

	if cfg.Preload.File != "" && cfg.Preload.Watch {
		g.Go(func() error {
			return preload.Watch(gctx, cfg.Preload.File, primary, slog.Default())
		})
	}

	<-gctx.Done()
	slog.Info("kvhub shutting down", "servers", 1+len(mirrors))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	for _, h := range append(mirrors, primary) {
		if err := h.Stop(stopCtx); err != nil {
			slog.Error("failed to stop server", "hub", h.Name(), "err", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// importPreload fills the dictionary without overwriting existing keys.
func importPreload(path string, h *hub.Hub, verbose bool) {
	res, err := preload.Load(path)
	if err != nil {
		slog.Error("failed to preload dictionary", "file", path, "err", err)
		return
	}
	if res.Ignored > 0 && verbose {
		slog.Debug("preload: skipped special keys", "count", res.Ignored)
	}
	n := preload.Apply(h, res.Entries, false)
	slog.Info("preload: imported", "file", path, "created", n, "entries", len(res.Entries))
}

// bindingKind describes a listen address the way the startup log does.
func bindingKind(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "server"
	}
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return "private localhost server"
	case "", "0.0.0.0", "::":
		return "public server"
	}
	return "server"
}
