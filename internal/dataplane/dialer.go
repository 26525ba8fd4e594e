package dataplane

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"proxyfleetgo/internal/upstream"
)

const (
	SchemeHTTP   = "http"
	SchemeSOCKS5 = "socks5"
)

// ErrUpstreamRefused means the upstream answered the CONNECT handshake with a
// non-2xx status.
var ErrUpstreamRefused = errors.New("upstream refused tunnel")

// upstreamDialer opens connections to or through an upstream proxy. Every
// connection it returns carries an idle deadline.
type upstreamDialer struct {
	scheme string
	base   *net.Dialer
	idle   time.Duration
}

func newUpstreamDialer(scheme string, dialTimeout, idle time.Duration) (*upstreamDialer, error) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	switch scheme {
	case "":
		scheme = SchemeHTTP
	case SchemeHTTP, SchemeSOCKS5:
	default:
		return nil, fmt.Errorf("unsupported upstream scheme: %s", scheme)
	}
	return &upstreamDialer{
		scheme: scheme,
		base:   &net.Dialer{Timeout: dialTimeout},
		idle:   idle,
	}, nil
}

// dialProxy connects to the upstream proxy itself.
func (d *upstreamDialer) dialProxy(ctx context.Context, up upstream.Proxy) (net.Conn, error) {
	conn, err := d.base.DialContext(ctx, "tcp", up.Address)
	if err != nil {
		return nil, err
	}
	return withIdleTimeout(conn, d.idle), nil
}

// dialThrough reaches target with the upstream acting as the next hop: an
// HTTP CONNECT handshake or a SOCKS5 request, depending on scheme.
func (d *upstreamDialer) dialThrough(ctx context.Context, up upstream.Proxy, target string) (net.Conn, error) {
	if d.scheme == SchemeSOCKS5 {
		return d.dialSOCKS5(ctx, up, target)
	}

	conn, err := d.dialProxy(ctx, up)
	if err != nil {
		return nil, err
	}
	tunnel, err := connectHandshake(ctx, conn, target)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tunnel, nil
}

func (d *upstreamDialer) dialSOCKS5(ctx context.Context, up upstream.Proxy, target string) (net.Conn, error) {
	socks, err := proxy.SOCKS5("tcp", up.Address, nil, d.base)
	if err != nil {
		return nil, err
	}
	cd, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	conn, err := cd.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	return withIdleTimeout(conn, d.idle), nil
}

// connectHandshake asks conn's proxy for a tunnel to target. Bytes the proxy
// sent after its response headers are kept and replayed to the caller.
func connectHandshake(ctx context.Context, conn net.Conn, target string) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: target},
		Host:   target,
		Header: http.Header{"User-Agent": []string{""}},
	}
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("write connect: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamRefused, resp.Status)
	}
	return withBuffered(conn, br), nil
}

// connectTarget is the host:port a CONNECT request asks for, defaulting to
// 443 when no port is given.
func connectTarget(r *http.Request) string {
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return net.JoinHostPort(strings.Trim(host, "[]"), "443")
	}
	return host
}
