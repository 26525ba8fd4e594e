package dataplane

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proxyfleetgo/internal/auth"
	"proxyfleetgo/internal/upstream"
)

func newTestFleet(t *testing.T, base int, gate auth.Gate) *Fleet {
	t.Helper()
	f := NewFleet(context.Background(), FleetConfig{
		BindHost:      "127.0.0.1",
		StartPort:     base,
		DrainTimeout:  time.Second,
		HeaderTimeout: 5 * time.Second,
		MaxConns:      16,
		Gate:          gate,
	}, newTestRelay(t, nil))
	t.Cleanup(f.Stop)
	return f
}

func snapshotOf(ups ...*fakeUpstream) *upstream.Snapshot {
	exp := time.Now().Add(time.Hour)
	snap := &upstream.Snapshot{FetchedAt: time.Now(), Reported: len(ups)}
	for _, u := range ups {
		snap.Proxies = append(snap.Proxies, u.proxy(exp))
	}
	return snap
}

func upstreamVia(t *testing.T, port int) string {
	t.Helper()
	resp, _ := get(t, proxyClient(portAddr(port), nil), "http://example.test/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp.Header.Get("X-Upstream")
}

func requireRefused(t *testing.T, port int) {
	t.Helper()
	c, err := net.DialTimeout("tcp", portAddr(port), time.Second)
	if err == nil {
		_ = c.Close()
	}
	require.Error(t, err, "port %d still accepting", port)
}

func TestFleetBindsContiguousPorts(t *testing.T) {
	a, b, c := newFakeUpstream(t, "a"), newFakeUpstream(t, "b"), newFakeUpstream(t, "c")
	base := freePortRange(t, 3)
	f := newTestFleet(t, base, auth.Gate{})
	require.Equal(t, StateIdle, f.State())

	f.Adopt(snapshotOf(a, b, c))
	require.Equal(t, StateServing, f.State())
	require.Equal(t, 3, f.Serving())

	for i, want := range []string{"a", "b", "c"} {
		require.Equal(t, want, upstreamVia(t, base+i))
	}

	stats := f.Stats()
	require.Equal(t, 3, stats.TotalServers)
	require.Equal(t, base, stats.StartPort)
	require.Equal(t, base+2, stats.EndPort)
	require.Equal(t, "serving", stats.State)
	for i, s := range stats.Servers {
		require.Equal(t, base+i, s.Port)
		require.Equal(t, i+1, s.Index)
		require.Greater(t, s.SecsLeft, 3500)
	}
}

func TestFleetReadoptRebindsInNewOrder(t *testing.T) {
	a, b, c := newFakeUpstream(t, "a"), newFakeUpstream(t, "b"), newFakeUpstream(t, "c")
	base := freePortRange(t, 3)
	f := newTestFleet(t, base, auth.Gate{})

	f.Adopt(snapshotOf(a, b, c))
	require.Equal(t, "a", upstreamVia(t, base))

	next := snapshotOf(c, b)
	f.Adopt(next)
	require.Equal(t, 2, f.Serving())
	require.Equal(t, "c", upstreamVia(t, base))
	require.Equal(t, "b", upstreamVia(t, base+1))
	requireRefused(t, base+2)

	before := f.Bindings()
	f.Adopt(next)
	require.Equal(t, before, f.Bindings())
	require.Equal(t, "c", upstreamVia(t, base))
}

func TestFleetIgnoresEmptySnapshot(t *testing.T) {
	a := newFakeUpstream(t, "a")
	base := freePortRange(t, 1)
	f := newTestFleet(t, base, auth.Gate{})

	f.Adopt(&upstream.Snapshot{})
	require.Equal(t, StateIdle, f.State())

	f.Adopt(snapshotOf(a))
	f.Adopt(&upstream.Snapshot{})
	f.Adopt(nil)
	require.Equal(t, StateServing, f.State())
	require.Equal(t, "a", upstreamVia(t, base))
}

func TestFleetSkipsPortsItCannotBind(t *testing.T) {
	a, b, c := newFakeUpstream(t, "a"), newFakeUpstream(t, "b"), newFakeUpstream(t, "c")
	base := freePortRange(t, 3)

	taken, err := net.Listen("tcp", portAddr(base+1))
	require.NoError(t, err)
	defer taken.Close()

	f := newTestFleet(t, base, auth.Gate{})
	f.Adopt(snapshotOf(a, b, c))

	require.Equal(t, 2, f.Serving())
	require.Equal(t, "a", upstreamVia(t, base))
	require.Equal(t, "c", upstreamVia(t, base+2))

	bindings := f.Bindings()
	require.Equal(t, 1, bindings[0].Ordinal)
	require.Equal(t, 3, bindings[1].Ordinal)

	stats := f.Stats()
	require.Equal(t, 2, stats.TotalServers)
	require.Equal(t, base, stats.StartPort)
	require.Equal(t, base+2, stats.EndPort)
}

func TestFleetStop(t *testing.T) {
	a := newFakeUpstream(t, "a")
	base := freePortRange(t, 1)
	f := newTestFleet(t, base, auth.Gate{})

	f.Adopt(snapshotOf(a))
	f.Stop()
	require.Equal(t, StateIdle, f.State())
	require.Zero(t, f.Serving())
	requireRefused(t, base)

	// A snapshot arriving after shutdown binds nothing.
	f.Adopt(snapshotOf(newFakeUpstream(t, "late")))
	require.Equal(t, StateIdle, f.State())
	require.Zero(t, f.Serving())
	requireRefused(t, base)
}

func TestFleetGate(t *testing.T) {
	a := newFakeUpstream(t, "a")
	base := freePortRange(t, 1)
	f := newTestFleet(t, base, auth.Gate{Identifier: "admin", Secret: "password"})
	f.Adopt(snapshotOf(a))

	resp, body := get(t, proxyClient(portAddr(base), nil), "http://example.test/")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, `Basic realm="Proxy Server"`, resp.Header.Get("WWW-Authenticate"))
	require.Equal(t, "Access denied", strings.TrimSpace(body))

	resp, _ = get(t, proxyClient(portAddr(base), url.UserPassword("admin", "wrong")), "http://example.test/")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = get(t, proxyClient(portAddr(base), url.UserPassword("admin", "password")), "http://example.test/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, a.header().Get("Authorization"))

	// Gateway credential in Proxy-Authorization, site credential in
	// Authorization: the site credential reaches the destination.
	req, err := http.NewRequest(http.MethodGet, "http://example.test/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", auth.Encode("site-user", "site-pass"))
	resp, err = proxyClient(portAddr(base), url.UserPassword("admin", "password")).Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, auth.Encode("site-user", "site-pass"), a.header().Get("Authorization"))
	require.Empty(t, a.header().Get("Proxy-Authorization"))

	_, _, cresp := connect(t, portAddr(base), "secure.test:443")
	require.Equal(t, http.StatusProxyAuthRequired, cresp.StatusCode)
	require.NotEmpty(t, cresp.Header.Get("Proxy-Authenticate"))

	_, br, cresp := connect(t, portAddr(base), "secure.test:443",
		auth.HeaderProxyAuthorization+": "+auth.Encode("admin", "password"))
	require.Equal(t, http.StatusOK, cresp.StatusCode)
	greeting, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "a\n", greeting)
}

func TestFleetStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "starting", StateStarting.String())
	require.Equal(t, "serving", StateServing.String())
	require.Equal(t, "stopping", StateStopping.String())
}
