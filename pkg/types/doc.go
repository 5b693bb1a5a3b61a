// Package types defines wire-level constants shared by the server and the
// client library: the error token and the RPC result codes the hub itself
// generates.
package types
