// Package ws bridges WebSocket clients into a hub.
//
// Bridge.ServeHTTP upgrades the request, wraps the connection as a
// session.Transport and serves it as a regular hub session until either
// side closes. Every text or binary message carries one or more protocol
// lines; a message not ending in a line break gets CRLF appended. Output is
// sent as one text message per write of the session.
//
// The server pings every pingPeriod and drops clients that miss a pong for
// pongWait. The upgrader accepts all origins; apply CORS at the proxy.
package ws
