package dataplane

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"proxyfleetgo/internal/auth"
	"proxyfleetgo/internal/i18n"
	"proxyfleetgo/internal/upstream"
)

type FleetState int32

const (
	StateIdle FleetState = iota
	StateStarting
	StateServing
	StateStopping
)

func (s FleetState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

type FleetConfig struct {
	BindHost      string
	StartPort     int
	DrainTimeout  time.Duration
	HeaderTimeout time.Duration
	MaxConns      int
	// Gate guards every listener when enabled. Plain requests are answered
	// with 401, CONNECT with 407.
	Gate     auth.Gate
	Language string
}

// Binding ties one local port to one upstream for the lifetime of a
// snapshot. Ordinal is 1-based.
type Binding struct {
	Port     int
	Ordinal  int
	Upstream upstream.Proxy
}

type boundServer struct {
	Binding
	srv  *http.Server
	done chan struct{}
}

// Fleet runs one listener per upstream on contiguous ports. Every adoption
// tears the whole fleet down and binds it again in snapshot order.
type Fleet struct {
	ctx   context.Context
	cfg   FleetConfig
	relay *Relay

	mu      sync.Mutex
	snap    *upstream.Snapshot
	servers []*boundServer
	stopped bool
	state   atomic.Int32
	drains  sync.WaitGroup
}

func NewFleet(ctx context.Context, cfg FleetConfig, relay *Relay) *Fleet {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.Language == "" {
		cfg.Language = i18n.DefaultLanguage
	}
	return &Fleet{ctx: ctx, cfg: cfg, relay: relay}
}

// Adopt replaces the running listeners with one per entry of snap. Adopting
// the snapshot already in use does nothing, an empty snapshot keeps the
// current listeners, and a stopped fleet binds nothing.
func (f *Fleet) Adopt(snap *upstream.Snapshot) {
	if snap.Len() == 0 {
		slog.Warn("empty snapshot, keeping current listeners")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		slog.Debug("fleet stopped, ignoring snapshot", "proxies", snap.Len())
		return
	}
	if snap == f.snap {
		return
	}

	slog.Info("updating proxy listeners", "proxies", snap.Len())
	if len(f.servers) > 0 {
		f.state.Store(int32(StateStopping))
		f.stopLocked()
	}
	f.state.Store(int32(StateStarting))
	f.startLocked(snap)
	f.snap = snap

	if len(f.servers) == 0 {
		f.state.Store(int32(StateIdle))
		return
	}
	f.state.Store(int32(StateServing))
	slog.Info("proxy listeners started",
		"started", len(f.servers),
		"first_port", f.cfg.StartPort,
		"last_port", f.servers[len(f.servers)-1].Port)
}

// Stop closes every listener and waits for in-flight requests to drain.
// Later adoptions are ignored.
func (f *Fleet) Stop() {
	f.mu.Lock()
	f.stopped = true
	if len(f.servers) > 0 {
		f.state.Store(int32(StateStopping))
		f.stopLocked()
	}
	f.snap = nil
	f.state.Store(int32(StateIdle))
	f.mu.Unlock()

	f.drains.Wait()
}

func (f *Fleet) startLocked(snap *upstream.Snapshot) {
	for i, up := range snap.Proxies {
		b := Binding{Port: f.cfg.StartPort + i, Ordinal: i + 1, Upstream: up}
		addr := net.JoinHostPort(f.cfg.BindHost, strconv.Itoa(b.Port))

		ln, err := listenTCP(f.ctx, addr, f.cfg.MaxConns)
		if err != nil {
			slog.Error("bind failed, skipping proxy", "port", b.Port, "proxy", up.Address, "error", err)
			continue
		}

		bs := &boundServer{
			Binding: b,
			srv:     newProxyServer(f.ctx, f.handler(b), f.cfg.HeaderTimeout, "port", b.Port, "ordinal", b.Ordinal),
			done:    make(chan struct{}),
		}
		go func() {
			defer close(bs.done)
			if err := bs.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("proxy listener failed", "port", bs.Port, "error", err)
			}
		}()
		f.servers = append(f.servers, bs)
		slog.Debug("proxy listening", "ordinal", b.Ordinal, "port", b.Port, "proxy", up.Address, "isp", up.ISP, "secs_left", up.SecondsLeft)
	}
}

// stopLocked returns once every listener is closed, so the ports can be
// bound again. Open requests drain in the background for up to the drain
// timeout.
func (f *Fleet) stopLocked() {
	slog.Info("stopping proxy listeners", "count", len(f.servers))
	for _, bs := range f.servers {
		f.drains.Add(1)
		go func() {
			defer f.drains.Done()
			ctx, cancel := context.WithTimeout(context.Background(), f.cfg.DrainTimeout)
			defer cancel()
			if err := bs.srv.Shutdown(ctx); err != nil {
				slog.Debug("drain timed out, closing", "port", bs.Port, "error", err)
				_ = bs.srv.Close()
			}
		}()
	}
	for _, bs := range f.servers {
		<-bs.done
	}
	f.servers = nil
}

func (f *Fleet) handler(b Binding) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.cfg.Gate.Enabled() {
			via, ok := f.cfg.Gate.Admit(r.Header)
			if !ok {
				f.deny(w, r)
				return
			}
			// Proxy-Authorization is hop-by-hop and never forwarded.
			if via == auth.HeaderAuthorization {
				r.Header.Del(auth.HeaderAuthorization)
			}
		}
		f.relay.Serve(w, r, b.Upstream)
	})
}

func (f *Fleet) deny(w http.ResponseWriter, r *http.Request) {
	c, _ := auth.ExtractDirect(r.Header)
	loggerFrom(r.Context()).Info("access denied", "method", r.Method, "host", r.Host, "identifier", c.Identifier)
	if isConnect(r) {
		w.Header().Set("Proxy-Authenticate", `Basic realm="Proxy Server"`)
		w.WriteHeader(http.StatusProxyAuthRequired)
		return
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="Proxy Server"`)
	http.Error(w, i18n.Get("access_denied", f.cfg.Language), http.StatusUnauthorized)
}

func (f *Fleet) State() FleetState {
	return FleetState(f.state.Load())
}

func (f *Fleet) Bindings() []Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Binding, 0, len(f.servers))
	for _, bs := range f.servers {
		out = append(out, bs.Binding)
	}
	return out
}

func (f *Fleet) Serving() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.servers)
}

func (f *Fleet) Entries() []Entry {
	bindings := f.Bindings()
	out := make([]Entry, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, Entry{Label: strconv.Itoa(b.Port), Upstream: b.Upstream})
	}
	return out
}

type FleetServer struct {
	Port     int    `json:"port"`
	Index    int    `json:"index"`
	Proxy    string `json:"proxy"`
	ISP      string `json:"isp"`
	SecsLeft int    `json:"secsLeft"`
}

type FleetStats struct {
	State        string        `json:"state"`
	TotalServers int           `json:"totalServers"`
	StartPort    int           `json:"startPort"`
	EndPort      int           `json:"endPort"`
	Servers      []FleetServer `json:"servers"`
}

// Stats reports seconds left as of now, not as of the fetch.
func (f *Fleet) Stats() FleetStats {
	bindings := f.Bindings()
	now := f.relay.cfg.Now()
	servers := make([]FleetServer, 0, len(bindings))
	for _, b := range bindings {
		servers = append(servers, FleetServer{
			Port:     b.Port,
			Index:    b.Ordinal,
			Proxy:    b.Upstream.Address,
			ISP:      b.Upstream.ISP,
			SecsLeft: b.Upstream.Remaining(now),
		})
	}
	return FleetStats{
		State:        f.State().String(),
		TotalServers: len(servers),
		StartPort:    f.cfg.StartPort,
		EndPort:      endPort(f.cfg.StartPort, bindings),
		Servers:      servers,
	}
}

// endPort is the last bound port, which differs from start+count-1 when a
// port in the middle could not be bound.
func endPort(start int, bindings []Binding) int {
	if len(bindings) == 0 {
		return start - 1
	}
	return bindings[len(bindings)-1].Port
}

func (f *Fleet) Report() any {
	return f.Stats()
}
