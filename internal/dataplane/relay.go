package dataplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"proxyfleetgo/internal/i18n"
	"proxyfleetgo/internal/upstream"
)

var ErrNoUpstream = errors.New("no upstream bound to request")

type RelayConfig struct {
	// Scheme is how upstreams are spoken to: "http" (forward proxy with
	// CONNECT) or "socks5".
	Scheme string
	// Timeout bounds the upstream dial and the wait for response headers,
	// and is the idle deadline on upstream sockets.
	Timeout  time.Duration
	Language string
	Now      func() time.Time
}

// Relay moves one client request through one upstream. It holds no per-pool
// state; callers resolve the upstream first.
type Relay struct {
	cfg    RelayConfig
	dialer *upstreamDialer
	rp     *httputil.ReverseProxy
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Language == "" {
		cfg.Language = i18n.DefaultLanguage
	}
	d, err := newUpstreamDialer(cfg.Scheme, cfg.Timeout, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	r := &Relay{cfg: cfg, dialer: d}
	r.rp = &httputil.ReverseProxy{
		Rewrite:       rewrite,
		Transport:     r.newTransport(),
		FlushInterval: -1,
		ErrorHandler:  r.proxyError,
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
		BufferPool:    newBufferPool(32 * 1024),
	}
	return r, nil
}

// Serve validates the request target and the upstream's expiry, then
// tunnels CONNECT requests and forwards everything else.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, up upstream.Proxy) {
	connect := isConnect(req)
	if (connect && connectTarget(req) == "") || (!connect && (req.URL == nil || req.URL.Host == "")) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": i18n.Get("invalid_request_url", r.cfg.Language),
		})
		return
	}
	if !up.Alive(r.cfg.Now()) {
		loggerFrom(req.Context()).Warn("upstream expired at selection", "proxy", up.Address)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   i18n.Get("proxy_error", r.cfg.Language),
			"message": i18n.Get("upstream_expired", r.cfg.Language, up.Address),
			"proxy":   up.Address,
		})
		return
	}
	if connect {
		r.Tunnel(w, req, up)
		return
	}
	r.Forward(w, req, up)
}

// Forward relays a plain (absolute-URI) request. Request and response
// bodies stream in both directions; nothing is buffered whole.
func (r *Relay) Forward(w http.ResponseWriter, req *http.Request, up upstream.Proxy) {
	loggerFrom(req.Context()).Info("relay", "method", req.Method, "url", req.URL.String(), "via", up.Address, "isp", up.ISP)
	ctx := context.WithValue(req.Context(), upstreamKey{}, up)
	r.rp.ServeHTTP(w, req.WithContext(ctx))
}

// Tunnel answers a CONNECT request by opening a tunnel through up and
// splicing it to the hijacked client connection. Bytes are never inspected.
func (r *Relay) Tunnel(w http.ResponseWriter, req *http.Request, up upstream.Proxy) {
	log := loggerFrom(req.Context())
	target := connectTarget(req)
	log.Info("tunnel", "target", target, "via", up.Address, "isp", up.ISP)

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		log.Warn("hijack failed", "error", err)
		return
	}
	_ = clientConn.SetDeadline(time.Time{})

	upConn, err := r.dialer.dialThrough(req.Context(), up, target)
	if err != nil {
		log.Warn("tunnel setup failed", "target", target, "via", up.Address, "error", err)
		_ = writeStatusLine(brw.Writer, http.StatusBadGateway)
		_ = brw.Flush()
		_ = clientConn.Close()
		return
	}

	if _, err := brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err == nil {
		err = brw.Flush()
	}
	if err != nil {
		_ = upConn.Close()
		_ = clientConn.Close()
		return
	}

	started := time.Now()
	err = CopyBidirectional(req.Context(), withBuffered(clientConn, brw.Reader), upConn)
	log.Debug("tunnel closed", "target", target, "duration", time.Since(started), "error", err)
}

func (r *Relay) newTransport() *http.Transport {
	t := &http.Transport{
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: r.cfg.Timeout,
		TLSHandshakeTimeout:   r.cfg.Timeout,
	}
	if r.dialer.scheme == SchemeSOCKS5 {
		t.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			up, ok := upstreamFrom(ctx)
			if !ok {
				return nil, ErrNoUpstream
			}
			return r.dialer.dialSOCKS5(ctx, up, addr)
		}
		return t
	}

	// The transport speaks to the upstream as an HTTP proxy: absolute URIs
	// for plain requests, CONNECT for https URLs.
	t.Proxy = func(req *http.Request) (*url.URL, error) {
		up, ok := upstreamFrom(req.Context())
		if !ok {
			return nil, ErrNoUpstream
		}
		return &url.URL{Scheme: "http", Host: up.Address}, nil
	}
	t.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		up, ok := upstreamFrom(ctx)
		if !ok {
			return nil, ErrNoUpstream
		}
		return r.dialer.dialProxy(ctx, up)
	}
	return t
}

func rewrite(pr *httputil.ProxyRequest) {
	if pr.Out.URL.Scheme == "" {
		pr.Out.URL.Scheme = "http"
	}
	pr.Out.Host = pr.Out.URL.Host
}

// proxyError runs only before response headers are sent. Failures after
// that make ReverseProxy abort the client connection.
func (r *Relay) proxyError(w http.ResponseWriter, req *http.Request, err error) {
	up, _ := upstreamFrom(req.Context())
	loggerFrom(req.Context()).Warn("relay failed", "url", req.URL.String(), "via", up.Address, "error", err)
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error":   i18n.Get("proxy_error", r.cfg.Language),
		"message": err.Error(),
		"proxy":   up.Address,
	})
}

type upstreamKey struct{}

func upstreamFrom(ctx context.Context) (upstream.Proxy, bool) {
	up, ok := ctx.Value(upstreamKey{}).(upstream.Proxy)
	return up, ok
}

type loggerKey struct{}

func withLogger(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeStatusLine writes a bodyless response on a hijacked connection.
func writeStatusLine(w io.Writer, code int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
	return err
}

func isConnect(r *http.Request) bool {
	return strings.EqualFold(r.Method, http.MethodConnect)
}
