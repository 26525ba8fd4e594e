package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const userAgent = "ProxyFleetGo/1.0"

var (
	ErrMalformedFeed    = errors.New("malformed feed response")
	ErrRefreshExhausted = errors.New("all refresh attempts failed")
)

// Store persists the last good snapshot across restarts.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

type DirectoryConfig struct {
	FeedURL  string
	Timeout  time.Duration
	Attempts int
	Store    Store
	Client   *http.Client
}

type feedRecord struct {
	Proxy    string `json:"proxy"`
	Expiry   int64  `json:"expiry"`
	SecsLeft int    `json:"secs_left"`
	ISP      string `json:"isp"`
}

type feedResponse struct {
	Status  bool         `json:"status"`
	Length  int          `json:"length"`
	Proxies []feedRecord `json:"proxies"`
}

type Stats struct {
	Total   int            `json:"total"`
	Valid   int            `json:"valid"`
	Expired int            `json:"expired"`
	ByISP   map[string]int `json:"byISP"`
	Running bool           `json:"isRunning"`
}

// Directory owns the current Snapshot. Readers never see a partially built
// snapshot: a refresh builds a fresh value and swaps the pointer.
type Directory struct {
	cfg     DirectoryConfig
	client  *http.Client
	current atomic.Pointer[Snapshot]
	running atomic.Bool

	now     func() time.Time
	backoff func(attempt int) time.Duration
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	d := &Directory{
		cfg:     cfg,
		client:  client,
		now:     time.Now,
		backoff: linearBackoff,
	}
	d.current.Store(&Snapshot{})
	return d
}

func linearBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 2 * time.Second
}

// Start performs the initial fetch synchronously. When it fails and a store
// is configured, the stored snapshot is restored instead.
func (d *Directory) Start(ctx context.Context) error {
	d.running.Store(true)
	slog.Info("directory starting", "feed", d.cfg.FeedURL)

	_, err := d.Refresh(ctx)
	if err == nil {
		return nil
	}
	if d.cfg.Store == nil {
		return err
	}
	if restoreErr := d.restore(ctx); restoreErr != nil {
		slog.Warn("snapshot restore failed", "error", restoreErr)
		return err
	}
	return nil
}

// Run refreshes every interval and emits each new snapshot on out until ctx
// is done. Failed refreshes emit nothing.
func (d *Directory) Run(ctx context.Context, interval time.Duration, out chan<- *Snapshot) {
	defer d.running.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("directory stopped")
			return
		case <-ticker.C:
			snap, err := d.Refresh(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("refresh failed, keeping existing proxies", "error", err, "kept", d.Current().Len())
				}
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Refresh fetches the feed with retries and publishes the result. The
// current snapshot is left untouched when every attempt fails.
func (d *Directory) Refresh(ctx context.Context) (*Snapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		slog.Debug("fetching proxies", "attempt", attempt, "of", d.cfg.Attempts)
		snap, err := d.fetch(ctx)
		if err == nil {
			d.current.Store(snap)
			slog.Info("proxies updated", "valid", snap.Len(), "total", snap.Reported)
			d.persist(ctx, snap)
			return snap, nil
		}
		lastErr = err
		slog.Warn("fetch attempt failed", "attempt", attempt, "error", err)

		if attempt == d.cfg.Attempts {
			break
		}
		wait := d.backoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrRefreshExhausted, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrRefreshExhausted, lastErr)
}

func (d *Directory) fetch(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("feed status: %d", resp.StatusCode)
	}

	var payload feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFeed, err)
	}
	if !payload.Status || payload.Proxies == nil {
		return nil, ErrMalformedFeed
	}

	now := d.now()
	proxies := make([]Proxy, 0, len(payload.Proxies))
	for _, r := range payload.Proxies {
		if r.Expiry <= now.Unix() || r.SecsLeft <= 0 {
			continue
		}
		p, err := parseProxy(r)
		if err != nil {
			slog.Warn("skipping feed record", "error", err)
			continue
		}
		proxies = append(proxies, p)
	}

	reported := payload.Length
	if reported == 0 {
		reported = len(payload.Proxies)
	}
	return &Snapshot{Proxies: proxies, FetchedAt: now, Reported: reported}, nil
}

func (d *Directory) persist(ctx context.Context, snap *Snapshot) {
	if d.cfg.Store == nil {
		return
	}
	if err := d.cfg.Store.Save(ctx, snap); err != nil {
		slog.Warn("snapshot save failed", "error", err)
	}
}

func (d *Directory) restore(ctx context.Context) error {
	stored, err := d.cfg.Store.Load(ctx)
	if err != nil {
		return err
	}
	live := stored.Live(d.now())
	d.current.Store(&Snapshot{Proxies: live, FetchedAt: stored.FetchedAt, Reported: stored.Reported})
	slog.Info("restored stored snapshot", "valid", len(live), "stored", stored.Len())
	return nil
}

// Current returns the latest published snapshot; it is empty before the
// first successful fetch.
func (d *Directory) Current() *Snapshot {
	return d.current.Load()
}

// Live returns the current entries that are still unexpired.
func (d *Directory) Live() []Proxy {
	return d.Current().Live(d.now())
}

// Stats counts against the current time, so entries age between refreshes.
func (d *Directory) Stats() Stats {
	snap := d.Current()
	now := d.now()
	byISP := map[string]int{}
	valid := 0
	for _, p := range snap.Proxies {
		if !p.Alive(now) {
			continue
		}
		valid++
		byISP[p.ISP]++
	}
	return Stats{
		Total:   snap.Len(),
		Valid:   valid,
		Expired: snap.Len() - valid,
		ByISP:   byISP,
		Running: d.running.Load(),
	}
}

// Now is the directory's clock, shared with selectors so expiry checks agree.
func (d *Directory) Now() time.Time {
	return d.now()
}
