package dataplane

import (
	"context"
	"fmt"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// listenTCP binds addr with TCP keep-alives on accepted connections. A
// positive maxConns caps concurrently open client connections.
func listenTCP(ctx context.Context, addr string, maxConns int) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     30 * time.Second,
			Interval: 15 * time.Second,
			Count:    4,
		},
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b []byte) {
	p.pool.Put(&b)
}
