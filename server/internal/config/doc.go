// Package config loads the kvhub configuration file (YAML).
//
// Load(path) applies defaults before unmarshalling, then validates. An empty
// path yields the defaults. Watch(ctx, path, logger, onChange) reloads the file on
// change and hands every valid result to onChange.
//
// Sections:
//   - server          primary binding, default mask, limits, RPC timeouts, mirrors
//   - client_options  options a fresh connection starts with
//   - http            REST API and WebSocket bridge
//   - health          gRPC health endpoint
//   - preload         file imported into the dictionary at startup
//   - log             slog level and handler format
package config
