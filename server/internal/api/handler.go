package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kvhub/kvhub/server/internal/dictionary"
	"github.com/kvhub/kvhub/server/internal/hub"
	"github.com/kvhub/kvhub/server/internal/metrics"
)

// maxBody bounds PUT request bodies.
const maxBody = 1 << 20

// Handler is the HTTP handler for /api/v1/*, /metrics and /ws.
type Handler struct {
	hub     *hub.Hub
	metrics *metrics.Metrics
	started time.Time
	mux     *http.ServeMux
}

// New creates a Handler for h and registers all routes. m may be nil; ws,
// when non-nil, is mounted at /ws.
func New(h *hub.Hub, m *metrics.Metrics, ws http.Handler) http.Handler {
	a := &Handler{hub: h, metrics: m, started: time.Now(), mux: http.NewServeMux()}

	a.mux.HandleFunc("/api/v1/health", a.health)
	a.mux.HandleFunc("/api/v1/keys", a.keys)
	a.mux.HandleFunc("/api/v1/values", a.listValues)
	a.mux.HandleFunc("/api/v1/values/", a.value) // subtree, extracts {key}
	a.mux.HandleFunc("/api/v1/online", a.online)
	a.mux.HandleFunc("/api/v1/rpc", a.procedures)
	a.mux.Handle("/metrics", m.Handler())
	if ws != nil {
		a.mux.Handle("/ws", ws)
	}
	return a
}

func (a *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (a *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	disp := a.hub.Dispatcher()
	resp := HealthResponse{
		State:       "stopped",
		HubID:       a.hub.ID(),
		Name:        a.hub.Name(),
		Connections: a.hub.Connections().Count(),
		Keys:        a.hub.Dictionary().Len(),
		Procedures:  len(disp.ListRegistered()),
		PendingRPC:  disp.Pending(),
		UptimeSec:   time.Since(a.started).Seconds(),
	}
	listening := a.hub.Listening()
	if listening {
		resp.State = "listening"
		if addr := a.hub.Addr(); addr != nil {
			resp.Address = addr.String()
		}
	}

	st := status{
		listening:   listening,
		connections: resp.Connections,
		pendingRPC:  resp.PendingRPC,
	}
	if a.metrics != nil {
		st.dropped = a.metrics.Summary()["outbound_dropped_total"]
		st.timeouts = a.metrics.RPCOutcomes()[metrics.OutcomeTimeout]
	}
	resp.Diagnostics = computeDiagnostics(st)
	jsonResp(w, http.StatusOK, resp)
}

// keys returns GET /api/v1/keys, assigned or not.
func (a *Handler) keys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m, ok := a.filter(w, r)
	if !ok {
		return
	}
	snaps := a.hub.Dictionary().Filter(m, false)
	out := make([]string, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.Key)
	}
	jsonResp(w, http.StatusOK, out)
}

// listValues returns GET /api/v1/values, assigned entries only.
func (a *Handler) listValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m, ok := a.filter(w, r)
	if !ok {
		return
	}
	snaps := a.hub.Dictionary().Filter(m, true)
	out := make([]ValueResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toValueResponse(s))
	}
	jsonResp(w, http.StatusOK, out)
}

// value serves GET, PUT and DELETE on /api/v1/values/{key}.
func (a *Handler) value(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/values/")
	if key == "" {
		a.listValues(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		snap, ok := a.hub.Dictionary().Get(key)
		if !ok {
			jsonErr(w, http.StatusNotFound, "key not found")
			return
		}
		jsonResp(w, http.StatusOK, toValueResponse(snap))

	case http.MethodPut:
		var req PutValueRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
			jsonErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		if req.Value == nil {
			jsonErr(w, http.StatusBadRequest, `body must carry a "value" string`)
			return
		}
		if strings.ContainsAny(*req.Value, "\r\n") {
			jsonErr(w, http.StatusBadRequest, "value must not contain line breaks")
			return
		}
		a.hub.UpdateValue(key, *req.Value)
		snap, _ := a.hub.Dictionary().Get(key)
		jsonResp(w, http.StatusOK, toValueResponse(snap))

	case http.MethodDelete:
		if !a.hub.DeleteValue(key) {
			jsonErr(w, http.StatusNotFound, "key not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// online returns GET /api/v1/online.
func (a *Handler) online(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	now := time.Now()
	sessions := a.hub.Connections().All()
	out := make([]OnlineResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, OnlineResponse{
			ID:            s.ID(),
			Name:          s.Name(),
			RemoteAddress: s.RemoteAddr(),
			Hub:           s.Owner(),
			Mask:          s.MaskText(),
			ConnectedAt:   s.ConnectedAt().UTC().Format(time.RFC3339),
			UptimeMs:      now.Sub(s.ConnectedAt()).Milliseconds(),
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// procedures returns GET /api/v1/rpc.
func (a *Handler) procedures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	disp := a.hub.Dispatcher()
	names := disp.ListRegistered()
	out := make([]ProcedureResponse, 0, len(names))
	for _, name := range names {
		p, ok := disp.Provider(name)
		if !ok {
			continue
		}
		out = append(out, ProcedureResponse{Name: name, Provider: p.ID()})
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

// filter reads ?mask= (glob) or ?regex= from the query. Neither, or a mask
// of "*", selects everything. On a bad expression it answers 400 itself.
func (a *Handler) filter(w http.ResponseWriter, r *http.Request) (dictionary.Matcher, bool) {
	q := r.URL.Query()
	if expr := q.Get("regex"); expr != "" {
		m, err := a.hub.Matchers().CompileRegexp(expr)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		return m, true
	}
	mask := q.Get("mask")
	if mask == "" || mask == "*" {
		return nil, true
	}
	return a.hub.Matchers().Compile(mask), true
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func toValueResponse(s dictionary.Snapshot) ValueResponse {
	v := ValueResponse{Key: s.Key, Value: s.Value, Assigned: s.Assigned}
	if s.HasTimestamp {
		ts := s.Timestamp
		v.Timestamp = &ts
	}
	return v
}
