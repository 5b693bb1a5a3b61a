// Package rpc relays remote procedure calls between hub sessions.
//
// A Dispatcher keeps the procedure registry (name to provider) and the table
// of pending calls. Each dispatched call gets a process-unique masked tag so
// tags chosen by different callers cannot collide at the provider. A call
// ends exactly once: completed by a matching result, timed out, or dropped
// when the hub that originated it stops.
package rpc
