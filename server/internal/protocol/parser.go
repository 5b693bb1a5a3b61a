package protocol

import (
	"bytes"
	"errors"
)

// DefaultMaxLine bounds a single unterminated line.
const DefaultMaxLine = 1 << 20

// ErrLineTooLong is returned by Feed when buffered data exceeds the line
// limit without a terminator. The rest of that line, up to and including
// its terminator, is discarded as it arrives.
var ErrLineTooLong = errors.New("protocol: line too long")

// Parser is an incremental decoder. Partial lines are kept across Feed
// calls. A Parser belongs to one connection and is not safe for concurrent
// use.
type Parser struct {
	buf     []byte
	maxLine int

	// discarding is set while the tail of an over-long line is dropped.
	discarding bool

	// Skipped counts non-empty lines that did not fit the grammar.
	Skipped int
}

// NewParser returns a Parser with the given line limit; maxLine <= 0 uses
// DefaultMaxLine.
func NewParser(maxLine int) *Parser {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Parser{maxLine: maxLine}
}

// Feed appends chunk and returns every complete packet, in arrival order.
// Empty and malformed lines produce no packet.
func (p *Parser) Feed(chunk []byte) ([]Packet, error) {
	if p.discarding {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil, nil
		}
		chunk = chunk[i+1:]
		p.discarding = false
	}
	p.buf = append(p.buf, chunk...)

	var out []Packet
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		pkt, ok := ParseLine(string(line))
		if !ok {
			p.Skipped++
			continue
		}
		out = append(out, pkt)
	}

	if len(p.buf) > p.maxLine {
		p.buf = nil
		p.discarding = true
		return out, ErrLineTooLong
	}
	// Compact so a long-lived connection does not pin an old backing array.
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes waiting for a terminator.
func (p *Parser) Buffered() int { return len(p.buf) }

// Reset drops any partial line.
func (p *Parser) Reset() {
	p.buf = nil
	p.discarding = false
}
