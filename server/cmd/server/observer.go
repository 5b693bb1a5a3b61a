package main

import (
	"log/slog"
	"sync"

	"github.com/kvhub/kvhub/server/internal/connmgr"
	"github.com/kvhub/kvhub/server/internal/dictionary"
	"github.com/kvhub/kvhub/server/internal/hub"
	"github.com/kvhub/kvhub/server/internal/metrics"
)

// observer logs hub events and answers "#info" requests.
type observer struct {
	log     *slog.Logger
	conns   *connmgr.Manager
	metrics *metrics.Metrics
	verbose bool

	mu   sync.RWMutex
	hubs map[string]*hub.Hub
}

func (o *observer) setHub(name string, h *hub.Hub) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hubs == nil {
		o.hubs = make(map[string]*hub.Hub)
	}
	o.hubs[name] = h
}

func (o *observer) hub(name string) *hub.Hub {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.hubs[name]
}

// infoResponse is the "#info" payload.
type infoResponse struct {
	Server  serverInfo         `json:"server"`
	Client  clientInfo         `json:"client"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

type serverInfo struct {
	Version string `json:"version"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type clientInfo struct {
	ID            uint64 `json:"id"`
	RemoteAddress string `json:"remoteAddress"`
}

// forHub returns the observer callback for the hub registered as name.
func (o *observer) forHub(name string) func(hub.Event) {
	log := o.log.With("hub", name)
	return func(ev hub.Event) {
		switch e := ev.(type) {
		case hub.Listening:
			log.Info("server listening", "kind", bindingKind(e.Addr), "addr", e.Addr)
		case hub.Stopped:
			log.Info("stopped server")
		case hub.Error:
			log.Error("server error", "err", e.Err)
		case hub.Accepted:
			log.Debug("new connection accepted", "session", e.SessionID, "remote", e.RemoteAddr,
				"connected", o.conns.Count())
		case hub.ConnectionClosed:
			log.Debug("connection closed", "session", e.SessionID, "remote", e.RemoteAddr,
				"connected", o.conns.Count())
		case hub.Identified:
			if o.verbose {
				log.Debug("client identified", "session", e.SessionID, "name", e.Name)
			}
		case hub.RPCRegistered:
			if o.verbose {
				log.Debug("client registered rpc", "session", e.SessionID, "procedure", e.Name)
			}
		case hub.RPCUnregistered:
			if o.verbose {
				log.Debug("client unregistered rpc", "session", e.SessionID, "procedure", e.Name)
			}
		case hub.ClientError:
			log.Debug("client request failed", "session", e.SessionID, "procedure", e.Call.Procedure, "err", e.Err)
		case hub.SessionError:
			log.Debug("session error", "session", e.SessionID, "err", e.Err)
		case hub.InfoRequested:
			info := infoResponse{
				Server:  serverInfo{Version: version, Name: name},
				Client:  clientInfo{ID: e.SessionID, RemoteAddress: e.RemoteAddr},
				Metrics: o.metrics.Summary(),
			}
			if h := o.hub(name); h != nil {
				info.Server.ID = h.ID()
			}
			e.Respond(info)
		}
	}
}

// traceDictionary logs every dictionary change at debug level.
func traceDictionary(log *slog.Logger) dictionary.Listener {
	return func(ev dictionary.Event) {
		switch e := ev.(type) {
		case dictionary.Created:
			log.Debug("dictionary: created key", "key", e.Entry.Key, "value", e.Entry.Value)
		case dictionary.Updated:
			log.Debug("dictionary: updated key", "key", e.Entry.Key, "value", e.Entry.Value)
		case dictionary.Deleted:
			log.Debug("dictionary: deleted key", "key", e.Key)
		case dictionary.SubscriberAdded:
			log.Debug("dictionary: added subscriber", "key", e.Key, "session", e.Subscriber)
		case dictionary.SubscriberRemoved:
			log.Debug("dictionary: removed subscriber", "key", e.Key, "session", e.Subscriber)
		}
	}
}
