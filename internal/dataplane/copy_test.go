package dataplane

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestCopyBidirectionalBothSidesFinish(t *testing.T) {
	// a <-> [left  splice  right] <-> b
	a, left := tcpPair(t)
	right, b := tcpPair(t)

	done := make(chan error, 1)
	go func() { done <- CopyBidirectional(context.Background(), left, right) }()

	_, err := io.WriteString(a, "ping")
	require.NoError(t, err)
	require.NoError(t, a.(*net.TCPConn).CloseWrite())

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))

	_, err = io.WriteString(b, "pong")
	require.NoError(t, err)
	require.NoError(t, b.(*net.TCPConn).CloseWrite())

	got, err = io.ReadAll(a)
	require.NoError(t, err)
	require.Equal(t, "pong", string(got))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("CopyBidirectional did not return after both sides finished")
	}
}

func TestCopyBidirectionalContextCancel(t *testing.T) {
	a, left := tcpPair(t)
	right, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- CopyBidirectional(ctx, left, right) }()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("CopyBidirectional ignored context cancellation")
	}

	// Both spliced sockets are closed, so the outer peer sees EOF.
	_ = a.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := a.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestIdleConnTimesOut(t *testing.T) {
	c, _ := tcpPair(t)
	ic := withIdleTimeout(c, 50*time.Millisecond)

	_, err := ic.Read(make([]byte, 1))
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	require.True(t, ne.Timeout())
}

func TestIdleConnZeroTimeoutIsPassthrough(t *testing.T) {
	c, _ := tcpPair(t)
	require.Same(t, c, withIdleTimeout(c, 0))
}

func TestBufferedConnReplaysBufferedBytes(t *testing.T) {
	c, s := tcpPair(t)
	_, err := io.WriteString(s, "buffered+live")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	br := bufio.NewReader(c)
	_, err = br.Peek(1)
	require.NoError(t, err)

	got, err := io.ReadAll(withBuffered(c, br))
	require.NoError(t, err)
	require.Equal(t, "buffered+live", string(got))
}
