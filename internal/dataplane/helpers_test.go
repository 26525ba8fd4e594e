package dataplane

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proxyfleetgo/internal/upstream"
)

// fakeUpstream is an HTTP forward proxy that answers plain requests itself,
// tagging each response with its name, and echoes CONNECT tunnels after a
// greeting line.
type fakeUpstream struct {
	name    string
	srv     *httptest.Server
	refuse  bool
	release chan struct{}

	mu         sync.Mutex
	lastHeader http.Header
	connects   []string
}

func newFakeUpstream(t *testing.T, name string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{name: name, release: make(chan struct{})}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) addr() string {
	return f.srv.Listener.Addr().String()
}

func (f *fakeUpstream) proxy(expires time.Time) upstream.Proxy {
	host, portStr, _ := net.SplitHostPort(f.addr())
	port, _ := strconv.Atoi(portStr)
	return upstream.Proxy{
		Address:     f.addr(),
		Host:        host,
		Port:        port,
		ISP:         f.name,
		ExpiresAt:   expires,
		SecondsLeft: int(time.Until(expires).Seconds()),
	}
}

func (f *fakeUpstream) header() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeader
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		f.mu.Lock()
		f.connects = append(f.connects, r.Host)
		f.mu.Unlock()
		if f.refuse {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, brw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = brw.WriteString("HTTP/1.1 200 Connection established\r\n\r\n" + f.name + "\n")
		_ = brw.Flush()
		_, _ = io.Copy(conn, brw.Reader)
		return
	}

	f.mu.Lock()
	f.lastHeader = r.Header.Clone()
	f.mu.Unlock()

	w.Header().Set("X-Upstream", f.name)
	if r.URL.Path == "/stream" {
		_, _ = io.WriteString(w, "first\n")
		w.(http.Flusher).Flush()
		select {
		case <-f.release:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "second\n")
		return
	}

	body, _ := io.ReadAll(r.Body)
	fmt.Fprintf(w, "%s %s %s host=%s close=%t body=%s", f.name, r.Method, r.RequestURI, r.Host, r.Close, body)
}

// proxyClient sends plain requests through the gateway at addr, with Basic
// proxy credentials when user is set.
func proxyClient(addr string, user *url.Userinfo) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(&url.URL{Scheme: "http", Host: addr, User: user}),
			DisableKeepAlives: true,
		},
	}
}

func get(t *testing.T, c *http.Client, target string) (*http.Response, string) {
	t.Helper()
	resp, err := c.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

// connect opens a CONNECT tunnel through the gateway at addr and returns the
// response along with the reader positioned after the response headers.
func connect(t *testing.T, addr, target string, headers ...string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	req := "CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n"
	for _, h := range headers {
		req += h + "\r\n"
	}
	_, err = io.WriteString(conn, req+"\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	return conn, br, resp
}

// closedAddr is a local address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// freePortRange finds n consecutive free ports on 127.0.0.1.
func freePortRange(t *testing.T, n int) int {
	t.Helper()
	for attempt := 0; attempt < 50; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := ln.Addr().(*net.TCPAddr).Port
		held := []net.Listener{ln}
		ok := base+n <= 65535
		for i := 1; ok && i < n; i++ {
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(base+i)))
			if err != nil {
				ok = false
				break
			}
			held = append(held, l)
		}
		for _, l := range held {
			_ = l.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("no free port range")
	return 0
}

func portAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func newTestRelay(t *testing.T, now func() time.Time) *Relay {
	t.Helper()
	r, err := NewRelay(RelayConfig{Timeout: 5 * time.Second, Now: now})
	require.NoError(t, err)
	return r
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
