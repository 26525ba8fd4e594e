package dataplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"proxyfleetgo/internal/auth"
	"proxyfleetgo/internal/i18n"
	"proxyfleetgo/internal/upstream"
)

type RouterConfig struct {
	BindHost string
	Port     int
	Secret   string
	Prefix   string
	// RotateUsername picks a fresh upstream through the selector on every
	// request instead of naming an ordinal. Empty disables it.
	RotateUsername string
	HeaderTimeout  time.Duration
	MaxConns       int
	Language       string
}

// RouteEntry maps <prefix><ordinal> to an upstream. Identifiers are only
// meaningful within the snapshot they were built from.
type RouteEntry struct {
	Identifier string
	Ordinal    int
	Upstream   upstream.Proxy
}

type routeTable struct {
	entries []RouteEntry
	byID    map[string]RouteEntry
	proxies []upstream.Proxy
}

func buildRouteTable(prefix string, snap *upstream.Snapshot) *routeTable {
	t := &routeTable{byID: make(map[string]RouteEntry, snap.Len())}
	if snap == nil {
		return t
	}
	t.proxies = snap.Proxies
	for i, up := range snap.Proxies {
		e := RouteEntry{Identifier: prefix + strconv.Itoa(i+1), Ordinal: i + 1, Upstream: up}
		t.entries = append(t.entries, e)
		t.byID[e.Identifier] = e
	}
	return t
}

// Router serves the whole pool on one port and picks the upstream from the
// Proxy-Authorization username.
type Router struct {
	ctx      context.Context
	cfg      RouterConfig
	relay    *Relay
	selector upstream.Selector

	table atomic.Pointer[routeTable]
	ln    net.Listener
	srv   *http.Server
}

func NewRouter(ctx context.Context, cfg RouterConfig, relay *Relay, selector upstream.Selector) *Router {
	if cfg.Language == "" {
		cfg.Language = i18n.DefaultLanguage
	}
	r := &Router{ctx: ctx, cfg: cfg, relay: relay, selector: selector}
	r.table.Store(buildRouteTable(cfg.Prefix, nil))
	r.srv = newProxyServer(ctx, http.HandlerFunc(r.handle), cfg.HeaderTimeout, "port", cfg.Port)
	return r
}

// Listen binds the shared port. Failing to bind is fatal for this mode.
func (r *Router) Listen() error {
	addr := net.JoinHostPort(r.cfg.BindHost, strconv.Itoa(r.cfg.Port))
	ln, err := listenTCP(r.ctx, addr, r.cfg.MaxConns)
	if err != nil {
		return err
	}
	r.ln = ln
	slog.Info("router listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address; nil before Listen.
func (r *Router) Addr() net.Addr {
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Serve blocks until Shutdown.
func (r *Router) Serve() error {
	if r.ln == nil {
		return errors.New("router: Serve called before Listen")
	}
	if err := r.srv.Serve(r.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Router) Shutdown(ctx context.Context) error {
	return r.srv.Shutdown(ctx)
}

// Adopt swaps in a route table built from snap. Requests already routed
// keep the upstream they resolved. Empty snapshots keep the current table.
func (r *Router) Adopt(snap *upstream.Snapshot) {
	if snap.Len() == 0 {
		slog.Warn("empty snapshot, keeping current routes")
		return
	}
	t := buildRouteTable(r.cfg.Prefix, snap)
	r.table.Store(t)
	slog.Info("route table updated", "entries", len(t.entries), "range", r.usernameRange(t))
}

func (r *Router) isRotate(identifier string) bool {
	return r.cfg.RotateUsername != "" && identifier == r.cfg.RotateUsername
}

func (r *Router) handle(w http.ResponseWriter, req *http.Request) {
	log := loggerFrom(req.Context())
	lang := r.cfg.Language

	c, ok := auth.ExtractProxy(req.Header)
	if !ok {
		w.Header().Set("Proxy-Authenticate", `Basic realm="Proxy Server"`)
		writeJSON(w, http.StatusProxyAuthRequired, map[string]any{
			"error":   i18n.Get("proxy_auth_required", lang),
			"usage":   i18n.Get("proxy_auth_usage", lang, r.cfg.Prefix, r.cfg.Secret),
			"example": fmt.Sprintf("curl -x http://%s1:%s@localhost:%d http://ipinfo.io", r.cfg.Prefix, r.cfg.Secret, r.cfg.Port),
		})
		return
	}
	if !auth.Validate(c, r.cfg.Secret) {
		log.Info("invalid password", "username", c.Identifier)
		w.Header().Set("Proxy-Authenticate", `Basic realm="Proxy Server"`)
		writeJSON(w, http.StatusProxyAuthRequired, map[string]any{
			"error": i18n.Get("invalid_password", lang),
		})
		return
	}

	t := r.table.Load()
	if r.isRotate(c.Identifier) {
		up, ok := r.selector.Pick(t.proxies, r.relay.cfg.Now())
		if !ok {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":   i18n.Get("proxy_error", lang),
				"message": i18n.Get("no_upstream", lang),
			})
			return
		}
		r.serve(w, req, c.Identifier, up)
		return
	}

	e, ok := t.byID[c.Identifier]
	if !ok {
		log.Info("unknown route", "username", c.Identifier)
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":     i18n.Get("proxy_not_found", lang),
			"username":  c.Identifier,
			"available": r.usernameRange(t),
		})
		return
	}

	r.serve(w, req, c.Identifier, e.Upstream)
}

func (r *Router) serve(w http.ResponseWriter, req *http.Request, username string, up upstream.Proxy) {
	log := loggerFrom(req.Context()).With("username", username)
	r.relay.Serve(w, req.WithContext(withLogger(req.Context(), log)), up)
}

func (r *Router) usernameRange(t *routeTable) string {
	return fmt.Sprintf("%s1 - %s%d", r.cfg.Prefix, r.cfg.Prefix, len(t.entries))
}

func (r *Router) Routes() []RouteEntry {
	return r.table.Load().entries
}

func (r *Router) Serving() int {
	return len(r.table.Load().entries)
}

func (r *Router) Entries() []Entry {
	routes := r.Routes()
	out := make([]Entry, 0, len(routes))
	for _, e := range routes {
		out = append(out, Entry{Label: e.Identifier, Upstream: e.Upstream})
	}
	return out
}

type RouteInfo struct {
	Username string `json:"username"`
	Proxy    string `json:"proxy"`
	ISP      string `json:"isp"`
	SecsLeft int    `json:"secsLeft"`
	Expiry   int64  `json:"expiry"`
}

type RouterStats struct {
	TotalProxies   int         `json:"totalProxies"`
	Port           int         `json:"port"`
	UsernamePrefix string      `json:"usernamePrefix"`
	UsernameRange  string      `json:"usernameRange"`
	RotateUsername string      `json:"rotateUsername,omitempty"`
	Proxies        []RouteInfo `json:"proxies"`
}

func (r *Router) Stats() RouterStats {
	t := r.table.Load()
	now := r.relay.cfg.Now()
	proxies := make([]RouteInfo, 0, len(t.entries))
	for _, e := range t.entries {
		proxies = append(proxies, RouteInfo{
			Username: e.Identifier,
			Proxy:    e.Upstream.Address,
			ISP:      e.Upstream.ISP,
			SecsLeft: e.Upstream.Remaining(now),
			Expiry:   e.Upstream.ExpiresAt.Unix(),
		})
	}
	return RouterStats{
		TotalProxies:   len(t.entries),
		Port:           r.cfg.Port,
		UsernamePrefix: r.cfg.Prefix,
		UsernameRange:  r.usernameRange(t),
		RotateUsername: r.cfg.RotateUsername,
		Proxies:        proxies,
	}
}

func (r *Router) Report() any {
	return r.Stats()
}
