package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Line endings a client may select with "#set=lineEnding <name>".
var lineEndings = map[string]string{
	"crlf": "\r\n",
	"cr":   "\r",
	"lf":   "\n",
}

// Output encodings a client may select with "#set=encoding <name>".
const (
	EncodingUTF8  = "utf8"
	EncodingASCII = "ascii"
)

// Options are the per-session behaviour switches. The zero value is not
// valid; use DefaultOptions.
type Options struct {
	RetrieveNonExisting bool
	LineEnding          string // crlf, cr or lf
	RegexMode           bool
	Encoding            string // utf8 or ascii
	RPCTimeout          time.Duration
}

// DefaultOptions returns the options of a fresh connection.
func DefaultOptions() Options {
	return Options{LineEnding: "lf", Encoding: EncodingUTF8}
}

// Normalize replaces unknown values with defaults.
func (o Options) Normalize() Options {
	if _, ok := lineEndings[o.LineEnding]; !ok {
		o.LineEnding = "lf"
	}
	if o.Encoding != EncodingASCII {
		o.Encoding = EncodingUTF8
	}
	if o.RPCTimeout < 0 {
		o.RPCTimeout = 0
	}
	return o
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	if _, ok := lineEndings[o.LineEnding]; !ok {
		return fmt.Errorf("line ending must be crlf, cr or lf, got %q", o.LineEnding)
	}
	if o.Encoding != EncodingUTF8 && o.Encoding != EncodingASCII {
		return fmt.Errorf("encoding must be utf8 or ascii, got %q", o.Encoding)
	}
	return nil
}

// parseBool accepts the wire spellings 1, true, 0 and false.
func parseBool(s string) (bool, bool) {
	switch strings.TrimSpace(s) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	}
	return false, false
}

// optionValue renders an option the way "#set" echoes it.
func (o Options) optionValue(name string) string {
	switch name {
	case "retrieveNonExisting":
		return strconv.FormatBool(o.RetrieveNonExisting)
	case "lineEnding":
		return o.LineEnding
	case "regexMode":
		return strconv.FormatBool(o.RegexMode)
	case "encoding":
		return o.Encoding
	case "rpcTimeout":
		return strconv.FormatInt(o.RPCTimeout.Milliseconds(), 10)
	}
	return ""
}
