// Package protocol implements the hub's line-oriented text protocol: it
// frames an arbitrary byte stream into lines and decodes each line into a
// Packet.
//
// Grammar of one line (CRLF terminated; a bare LF is accepted too):
//
//	[ws]* [modifier] id ( ["?"] ["=" value] | "@" ts "=" value )
//
// where modifier is one of # $ % ! ~, id excludes '@' and '=', and ts is a
// signed decimal integer of epoch milliseconds (negative means "now minus").
package protocol
