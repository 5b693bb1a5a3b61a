// Package connmgr tracks the live sessions of every hub sharing it and
// hands out connection IDs.
package connmgr
