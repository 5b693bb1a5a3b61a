// Package session implements one hub connection: it reads the socket,
// decodes packets, interprets them into typed events for the owning hub and
// buffers outbound lines.
//
// A Session runs two goroutines. The reader (Serve) owns the parser and
// calls the Handler synchronously, so events of one session arrive in
// packet order. The writer drains a bounded FIFO; when the bound is
// exceeded the oldest line is dropped.
package session
