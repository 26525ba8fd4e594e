package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxyfleetgo/internal/config"
	"proxyfleetgo/internal/dataplane"
	"proxyfleetgo/internal/i18n"
	"proxyfleetgo/internal/logging"
	"proxyfleetgo/internal/upstream"
)

// Pool is the read side of the upstream directory plus an on-demand refresh.
type Pool interface {
	Stats() upstream.Stats
	Current() *upstream.Snapshot
	Refresh(ctx context.Context) (*upstream.Snapshot, error)
	Now() time.Time
}

type Server struct {
	configPath string
	cfgMu      sync.RWMutex
	cfg        *config.RuntimeConfig
	pool       Pool
	plane      dataplane.Plane
	logs       *logging.RingBuffer
	logFile    string
	started    time.Time
}

func NewServer(cfg *config.RuntimeConfig, pool Pool, plane dataplane.Plane, logs *logging.RingBuffer) *Server {
	return &Server{
		configPath: cfg.Path,
		cfg:        cfg,
		pool:       pool,
		plane:      plane,
		logs:       logs,
		logFile:    cfg.Settings().LogFile,
		started:    time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /{$}", s.withToken(http.HandlerFunc(s.dashboard)))

	mux.Handle("GET /api/status", s.withToken(http.HandlerFunc(s.status)))
	mux.Handle("GET /api/health", http.HandlerFunc(s.health))
	mux.Handle("GET /api/list", s.withToken(http.HandlerFunc(s.list)))
	mux.Handle("POST /api/refresh", s.withToken(http.HandlerFunc(s.refresh)))
	mux.Handle("GET /api/logs", s.withToken(http.HandlerFunc(s.logsHandler)))
	mux.Handle("POST /api/logs/clear", s.withToken(http.HandlerFunc(s.clearLogs)))
	mux.Handle("POST /api/language", s.withToken(http.HandlerFunc(s.languageHandler)))

	// Paths served by earlier releases.
	mux.Handle("GET /status", s.withToken(http.HandlerFunc(s.status)))
	mux.Handle("GET /health", http.HandlerFunc(s.health))
	mux.Handle("GET /list", s.withToken(http.HandlerFunc(s.list)))

	return mux
}

func (s *Server) settings() config.Settings {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Settings()
}

func (s *Server) withToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := s.settings()
		if st.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Query().Get("token") != st.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"message": i18n.Get("invalid_token", st.Language),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := s.settings()
	snap := s.pool.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"mode":         st.Mode,
		"uptime":       int64(time.Since(s.started).Seconds()),
		"lastFetch":    fetchedAt(snap),
		"proxyManager": s.pool.Stats(),
		"servers":      s.plane.Report(),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	serving := s.plane.Serving()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"healthy":      serving > 0,
		"totalServers": serving,
	})
}

type listItem struct {
	Label    string `json:"label"`
	Proxy    string `json:"proxy"`
	ISP      string `json:"isp"`
	SecsLeft int    `json:"secsLeft"`
}

func (s *Server) listItems() []listItem {
	now := s.pool.Now()
	entries := s.plane.Entries()
	items := make([]listItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, listItem{
			Label:    e.Label,
			Proxy:    e.Upstream.Address,
			ISP:      e.Upstream.ISP,
			SecsLeft: e.Upstream.Remaining(now),
		})
	}
	return items
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"servers": s.listItems(),
	})
}

// refresh fetches the feed now instead of waiting for the next tick and
// hands the result to the data plane.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.pool.Refresh(r.Context())
	if err != nil {
		slog.Warn("manual refresh failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "message": err.Error()})
		return
	}
	s.plane.Adopt(snap)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"total":   snap.Len(),
		"serving": s.plane.Serving(),
	})
}

// logAttrFilters are the per-connection log attributes /api/logs can filter
// on, one query parameter each.
var logAttrFilters = []string{"trace_id", "client", "port", "username"}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start := 0
	limit := 100
	var err error
	if raw := strings.TrimSpace(q.Get("start")); raw != "" {
		start, err = strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
			return
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
			return
		}
	}
	f := logging.Filter{Level: q.Get("level"), Search: q.Get("search"), Start: start, Limit: limit}
	for _, key := range logAttrFilters {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			if f.Attrs == nil {
				f.Attrs = map[string]string{}
			}
			f.Attrs[key] = v
		}
	}
	logs, total := s.logs.Query(f)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": logs, "total": total})
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	s.logs.Clear()
	if s.logFile != "" {
		if err := os.Truncate(s.logFile, 0); err != nil && !os.IsNotExist(err) {
			slog.Warn("truncate log file failed", "file", s.logFile, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": i18n.Get("logs_cleared", s.settings().Language),
	})
}

// languageHandler switches the language of admin messages and persists it.
// Client-facing error payloads keep the language they started with.
func (s *Server) languageHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": err.Error()})
		return
	}
	if !i18n.Supported(body.Language) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": i18n.Get("unsupported_language", s.settings().Language),
		})
		return
	}

	cfg, err := config.SaveServer(s.configPath, map[string]string{"language": body.Language})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": err.Error()})
		return
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"language": body.Language,
		"message":  i18n.Get("language_switched", body.Language),
	})
}

func fetchedAt(snap *upstream.Snapshot) int64 {
	if snap == nil || snap.FetchedAt.IsZero() {
		return 0
	}
	return snap.FetchedAt.Unix()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
