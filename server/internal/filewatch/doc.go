// Package filewatch runs a callback whenever a file on disk changes.
//
// Both configuration hot reload and the preload re-import are built on
// Watch. A failed callback is logged and the watch carries on, so the
// caller keeps whatever state it had before the change.
package filewatch
