package config

import (
	"strconv"
	"strings"
	"time"
)

const (
	ModeMulti    = "multi"
	ModeUsername = "username"
)

// Settings is the typed view of the [Server] section.
type Settings struct {
	Mode      string
	BindHost  string
	Port      int
	StartPort int
	WebPort   int

	FeedURL        string
	UpdateInterval time.Duration
	FetchTimeout   time.Duration
	FetchAttempts  int
	RelayTimeout   time.Duration
	DrainTimeout   time.Duration
	MaxConnections int

	EnableAuth bool
	Username   string
	Password   string

	ProxyPassword  string
	UsernamePrefix string
	RotateUsername string
	Selection      string
	UpstreamScheme string

	SnapshotStore string
	SnapshotFile  string
	RedisAddr     string
	RedisKey      string

	Token    string
	Language string
	LogFile  string
	LogLevel string
}

func (c *RuntimeConfig) Settings() Settings {
	s := c.Server
	mode := strings.ToLower(fallback(s["mode"], ModeMulti))
	if mode != ModeUsername {
		mode = ModeMulti
	}
	return Settings{
		Mode:           mode,
		BindHost:       fallback(s["bind_host"], "0.0.0.0"),
		Port:           atoiDefault(s["port"], 11000),
		StartPort:      atoiDefault(s["start_port"], 11001),
		WebPort:        atoiDefault(s["web_port"], 8080),
		FeedURL:        strings.TrimSpace(s["feed_url"]),
		UpdateInterval: secondsDefault(s["update_interval"], 30),
		FetchTimeout:   secondsDefault(s["fetch_timeout"], 30),
		FetchAttempts:  atoiDefault(s["fetch_attempts"], 3),
		RelayTimeout:   secondsDefault(s["relay_timeout"], 30),
		DrainTimeout:   secondsDefault(s["drain_timeout"], 5),
		MaxConnections: atoiDefault(s["max_connections"], 1000),
		EnableAuth:     toBool(s["enable_auth"]),
		Username:       strings.TrimSpace(s["username"]),
		Password:       strings.TrimSpace(s["password"]),
		ProxyPassword:  fallback(s["proxy_password"], "mypass"),
		UsernamePrefix: fallback(s["username_prefix"], "proxy"),
		RotateUsername: strings.TrimSpace(s["rotate_username"]),
		Selection:      strings.ToLower(fallback(s["selection"], "roundrobin")),
		UpstreamScheme: strings.ToLower(fallback(s["upstream_scheme"], "http")),
		SnapshotStore:  strings.ToLower(fallback(s["snapshot_store"], "none")),
		SnapshotFile:   fallback(s["snapshot_file"], "snapshot.json"),
		RedisAddr:      fallback(s["redis_addr"], "127.0.0.1:6379"),
		RedisKey:       fallback(s["redis_key"], "proxyfleet:snapshot"),
		Token:          strings.TrimSpace(s["token"]),
		Language:       fallback(s["language"], "en"),
		LogFile:        fallback(s["log_file"], "logs/proxyfleet.log"),
		LogLevel:       fallback(s["log_level"], "info"),
	}
}

func secondsDefault(v string, d int) time.Duration {
	return time.Duration(atoiDefault(v, d)) * time.Second
}

func atoiDefault(s string, d int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func toBool(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	return v == "true" || v == "1" || v == "yes"
}

func fallback(v, d string) string {
	if strings.TrimSpace(v) == "" {
		return d
	}
	return strings.TrimSpace(v)
}
