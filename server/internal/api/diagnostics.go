package api

import "fmt"

// DiagnosticHint is one human-readable remark about the hub's state.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

// status is the input of computeDiagnostics.
type status struct {
	listening   bool
	connections int
	pendingRPC  int
	dropped     float64 // outbound lines discarded since start
	timeouts    float64 // calls answered with the gateway timeout code
}

// computeDiagnostics derives hints from the hub status, most severe first.
func computeDiagnostics(s status) []DiagnosticHint {
	if !s.listening {
		return []DiagnosticHint{{
			Key:   "not_listening",
			Level: "critical",
			Title: "Hub is not listening",
			Detail: "The hub has no open listener, so new TCP clients cannot connect. " +
				"Sessions bridged over WebSocket still work until the process exits.",
		}}
	}

	var hints []DiagnosticHint

	if s.dropped > 0 {
		v := s.dropped
		hints = append(hints, DiagnosticHint{
			Key:   "outbound_dropped",
			Level: "warning",
			Title: "Slow subscribers",
			Detail: fmt.Sprintf(
				"%.0f outgoing lines were discarded because a client's send queue was full. "+
					"A subscriber reads slower than values change; narrow its mask or raise server.max_queue.",
				v),
			Value: &v,
		})
	}

	if s.timeouts > 0 {
		v := s.timeouts
		hints = append(hints, DiagnosticHint{
			Key:   "rpc_timeouts",
			Level: "warning",
			Title: "RPC calls timing out",
			Detail: fmt.Sprintf(
				"%.0f remote calls expired before their provider answered. "+
					"Check that providers reply with #result and that the timeout fits the work.",
				v),
			Value: &v,
		})
	}

	if s.pendingRPC > 0 {
		v := float64(s.pendingRPC)
		hints = append(hints, DiagnosticHint{
			Key:    "rpc_pending",
			Level:  "info",
			Title:  "Calls in flight",
			Detail: fmt.Sprintf("%d remote calls are waiting for a result.", s.pendingRPC),
			Value:  &v,
		})
	}

	if s.connections == 0 {
		hints = append(hints, DiagnosticHint{
			Key:    "no_clients",
			Level:  "info",
			Title:  "No clients",
			Detail: "The hub is listening but nobody is connected.",
		})
	}

	if len(hints) == 0 {
		hints = append(hints, DiagnosticHint{
			Key:    "ok",
			Level:  "ok",
			Title:  "All good",
			Detail: "The hub is listening and no problems were recorded.",
		})
	}
	return hints
}
