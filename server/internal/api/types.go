package api

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State       string           `json:"state"` // listening | stopped
	HubID       string           `json:"hub_id"`
	Name        string           `json:"name,omitempty"`
	Address     string           `json:"address,omitempty"`
	Connections int              `json:"connections"`
	Keys        int              `json:"keys"`
	Procedures  int              `json:"procedures"`
	PendingRPC  int              `json:"pending_rpc"`
	UptimeSec   float64          `json:"uptime_sec"`
	Diagnostics []DiagnosticHint `json:"diagnostics"`
}

// ValueResponse is one entry in GET /api/v1/values or /api/v1/values/{key}.
type ValueResponse struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Assigned  bool   `json:"assigned"`
	Timestamp *int64 `json:"timestamp,omitempty"` // epoch milliseconds
}

// PutValueRequest is the body of PUT /api/v1/values/{key}.
type PutValueRequest struct {
	Value *string `json:"value"`
}

// OnlineResponse is one session in GET /api/v1/online.
type OnlineResponse struct {
	ID            uint64 `json:"id"`
	Name          string `json:"name,omitempty"`
	RemoteAddress string `json:"remote_address"`
	Hub           string `json:"hub"`
	Mask          string `json:"mask"`
	ConnectedAt   string `json:"connected_at"` // RFC3339
	UptimeMs      int64  `json:"uptime_ms"`
}

// ProcedureResponse is one entry in GET /api/v1/rpc.
type ProcedureResponse struct {
	Name     string `json:"name"`
	Provider uint64 `json:"provider"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
