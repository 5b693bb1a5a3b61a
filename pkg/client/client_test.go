package client

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer records every received line and answers with "ack=<line>".
func echoServer(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	lines := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				return
			}
			l = strings.TrimRight(l, "\r\n")
			lines <- l
			if _, err := conn.Write([]byte("ack=" + l + "\r\n")); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), lines
}

func TestClient_Lines(t *testing.T) {
	addr, lines := echoServer(t)
	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Store("k", "v"))
	require.NoError(t, c.StoreAt("k", -5, "v"))
	require.NoError(t, c.Publish("chan", "x"))
	require.NoError(t, c.Retrieve("k"))
	require.NoError(t, c.Command("list", ""))
	require.NoError(t, c.Command("mask", "a/*"))

	want := []string{"k=v", "k@-5=v", "~chan=x", "k?", "#list", "#mask=a/*"}
	for _, w := range want {
		select {
		case got := <-lines:
			assert.Equal(t, w, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("server did not receive %q", w)
		}
	}

	line, err := c.ReadLine(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ack=k=v", line)

	line, err = c.Expect(2*time.Second, func(l string) bool { return strings.HasPrefix(l, "ack=#") })
	require.NoError(t, err)
	assert.Equal(t, "ack=#list", line)
}

func TestClient_ReadTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			time.Sleep(500 * time.Millisecond)
			conn.Close()
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ReadLine(20 * time.Millisecond)
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}
