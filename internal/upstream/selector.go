package upstream

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"
)

// Selector picks an upstream for a new client connection. Implementations
// re-filter by expiry at call time.
type Selector interface {
	Pick(proxies []Proxy, now time.Time) (Proxy, bool)
}

func NewSelector(name string) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "random":
		return Random{}, nil
	case "", "roundrobin", "round_robin", "loadbalance":
		return &RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy: %q", name)
	}
}

type Random struct{}

func (Random) Pick(proxies []Proxy, now time.Time) (Proxy, bool) {
	live := filterLive(proxies, now)
	if len(live) == 0 {
		return Proxy{}, false
	}
	return live[rand.IntN(len(live))], true
}

// RoundRobin keeps one counter for its whole lifetime; it is not reset when
// the pool is replaced, so a shrinking pool just wraps differently.
type RoundRobin struct {
	counter atomic.Uint64
}

func (r *RoundRobin) Pick(proxies []Proxy, now time.Time) (Proxy, bool) {
	live := filterLive(proxies, now)
	if len(live) == 0 {
		return Proxy{}, false
	}
	n := r.counter.Add(1) - 1
	return live[n%uint64(len(live))], true
}
