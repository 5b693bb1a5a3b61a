// Package client is a minimal client for the hub line protocol.
//
// A Client owns one TCP connection. Writes are serialized and may be issued
// from any goroutine; ReadLine must be called from a single reader.
//
// Basic usage:
//
//	c, err := client.Dial(ctx, "localhost:7778")
//	if err != nil { ... }
//	defer c.Close()
//
//	c.Command("mask", "room/*")
//	c.Store("room/temp", "21")
//	line, err := c.ReadLine(time.Second) // "room/temp=21" from another client
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is a connection to a hub.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex // serializes writes
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Send writes one protocol line; CRLF is appended.
func (c *Client) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// Store sends "key=value".
func (c *Client) Store(key, value string) error {
	return c.Send(key + "=" + value)
}

// StoreAt sends "key@ts=value". A negative ts is relative to the hub clock.
func (c *Client) StoreAt(key string, ts int64, value string) error {
	return c.Send(key + "@" + strconv.FormatInt(ts, 10) + "=" + value)
}

// Publish sends "~key=value".
func (c *Client) Publish(key, value string) error {
	return c.Send("~" + key + "=" + value)
}

// Retrieve sends "key?". The answer arrives through ReadLine.
func (c *Client) Retrieve(key string) error {
	return c.Send(key + "?")
}

// Command sends "#name=value", or "#name" when value is empty.
func (c *Client) Command(name, value string) error {
	if value == "" {
		return c.Send("#" + name)
	}
	return c.Send("#" + name + "=" + value)
}

// ReadLine returns the next line without its terminator, waiting at most
// timeout (zero waits forever).
func (c *Client) ReadLine(timeout time.Duration) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("client: set deadline: %w", err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("client: read: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Expect reads lines until one satisfies match or the timeout elapses,
// returning the matching line.
func (c *Client) Expect(timeout time.Duration, match func(line string) bool) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return "", fmt.Errorf("client: expect: %w", context.DeadlineExceeded)
		}
		line, err := c.ReadLine(left)
		if err != nil {
			return "", err
		}
		if match(line) {
			return line, nil
		}
	}
}

// LocalAddr returns the client side address.
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
