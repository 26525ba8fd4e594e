// Package upstream manages the pool of third-party forward proxies: fetching
// them from the remote feed, publishing time-filtered snapshots, and picking
// one for a new client connection.
package upstream

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Proxy is one upstream forward proxy. Values are never mutated after a
// fetch builds them.
type Proxy struct {
	Address     string    `json:"proxy"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	ISP         string    `json:"isp"`
	ExpiresAt   time.Time `json:"expires_at"`
	SecondsLeft int       `json:"secs_left"`
}

// Alive reports whether the proxy has not yet expired at now.
func (p Proxy) Alive(now time.Time) bool {
	return p.ExpiresAt.After(now)
}

// Remaining is the number of whole seconds until expiry, never negative.
func (p Proxy) Remaining(now time.Time) int {
	d := p.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

func parseProxy(r feedRecord) (Proxy, error) {
	host, portStr, err := net.SplitHostPort(r.Proxy)
	if err != nil {
		return Proxy{}, fmt.Errorf("split %q: %w", r.Proxy, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Proxy{}, fmt.Errorf("invalid port in %q", r.Proxy)
	}
	return Proxy{
		Address:     net.JoinHostPort(host, portStr),
		Host:        host,
		Port:        port,
		ISP:         r.ISP,
		ExpiresAt:   time.Unix(r.Expiry, 0),
		SecondsLeft: r.SecsLeft,
	}, nil
}

// Snapshot is an immutable, ordered view of the pool as of one fetch.
type Snapshot struct {
	Proxies   []Proxy   `json:"proxies"`
	FetchedAt time.Time `json:"fetched_at"`
	Reported  int       `json:"reported"`
}

// Len is safe on a nil snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Proxies)
}

// Live returns the entries still unexpired at now, in snapshot order.
func (s *Snapshot) Live(now time.Time) []Proxy {
	if s == nil {
		return nil
	}
	return filterLive(s.Proxies, now)
}

func filterLive(proxies []Proxy, now time.Time) []Proxy {
	out := make([]Proxy, 0, len(proxies))
	for _, p := range proxies {
		if p.Alive(now) {
			out = append(out, p)
		}
	}
	return out
}
