// Package hub is the broker orchestrator. A Hub binds a TCP listener,
// turns every accepted connection into a session and reacts to session
// events by mutating the shared dictionary or RPC dispatcher.
//
// Several hubs (a primary and its mirrors) can share one Dictionary,
// Dispatcher, connection Manager and matcher Cache. Each hub processes the
// events of its own sessions on a single loop goroutine. Fan-out after a
// store or publish is deferred to the end of the current loop batch, so
// repeated stores of one key within a batch reach subscribers once, with
// the latest value.
package hub
