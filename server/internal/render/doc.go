// Package render formats dictionary snapshots as protocol lines under the
// three timestamp modes a session can select.
package render
