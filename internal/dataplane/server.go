package dataplane

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"proxyfleetgo/internal/upstream"
)

// Plane is the part of the data plane that follows the upstream pool:
// the per-upstream Fleet or the shared-listener Router.
type Plane interface {
	Adopt(snap *upstream.Snapshot)
	Serving() int
	Entries() []Entry
	Report() any
}

// Entry is one way into the pool as a client sees it: a local port in
// multi mode, a username in username mode.
type Entry struct {
	Label    string
	Upstream upstream.Proxy
}

// newProxyServer builds the http.Server behind every client-facing
// listener. Each accepted connection gets its own logger tagged with a
// trace id, and requests inherit base so shutdown reaches open tunnels.
func newProxyServer(base context.Context, h http.Handler, headerTimeout time.Duration, attrs ...any) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: headerTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
		BaseContext: func(net.Listener) context.Context {
			return base
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			log := slog.With(attrs...).With("trace_id", uuid.NewString(), "client", c.RemoteAddr().String())
			return withLogger(ctx, log)
		},
	}
}
