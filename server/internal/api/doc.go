// Package api implements the HTTP front-end of a hub.
//
// New(hub, metrics, ws) returns an http.Handler that serves:
//
//	GET    /api/v1/health        hub state, counts and diagnostic hints
//	GET    /api/v1/keys          key names; ?mask= glob or ?regex= expression
//	GET    /api/v1/values        assigned values; same filters as /keys
//	GET    /api/v1/values/{key}  one entry; 404 if unknown
//	PUT    /api/v1/values/{key}  store {"value": "..."} and notify subscribers
//	DELETE /api/v1/values/{key}  remove the key; 404 if unknown
//	GET    /api/v1/online        connected sessions
//	GET    /api/v1/rpc           registered procedures and their providers
//	GET    /metrics              Prometheus text exposition
//	       /ws                   WebSocket bridge, when a handler is given
//
// JSON endpoints respond with Content-Type: application/json and return 405
// for methods they do not serve. Types live in types.go.
package api
