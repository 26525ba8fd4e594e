package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	DefaultConfigPath = "config/config.ini"
)

var defaultServer = map[string]string{
	"mode":            ModeMulti,
	"port":            "11000",
	"start_port":      "11001",
	"bind_host":       "0.0.0.0",
	"web_port":        "8080",
	"feed_url":        "http://127.0.0.1:8549/api/cron/getliveproxiesdata",
	"update_interval": "30",
	"fetch_timeout":   "30",
	"fetch_attempts":  "3",
	"relay_timeout":   "30",
	"drain_timeout":   "5",
	"max_connections": "1000",
	"enable_auth":     "false",
	"username":        "admin",
	"password":        "password",
	"proxy_password":  "mypass",
	"username_prefix": "proxy",
	"rotate_username": "rotate",
	"selection":       "roundrobin",
	"upstream_scheme": "http",
	"snapshot_store":  "none",
	"snapshot_file":   "snapshot.json",
	"redis_addr":      "127.0.0.1:6379",
	"redis_key":       "proxyfleet:snapshot",
	"token":           "",
	"language":        "en",
	"log_file":        "logs/proxyfleet.log",
	"log_level":       "info",
}

type RuntimeConfig struct {
	Path   string
	Server map[string]string
}

func Load(path string) (*RuntimeConfig, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath
	}

	if err := ensureParent(path); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("create config: %w", err)
		}
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("load ini: %w", err)
	}

	if !cfg.Section("Server").HasKey("mode") {
		applyServerDefaults(cfg)
		if err := cfg.SaveTo(path); err != nil {
			return nil, fmt.Errorf("save default config: %w", err)
		}
	}

	server := map[string]string{}
	for _, key := range cfg.Section("Server").Keys() {
		server[key.Name()] = key.String()
	}
	for k, v := range defaultServer {
		if _, ok := server[k]; !ok {
			server[k] = v
		}
	}

	return &RuntimeConfig{
		Path:   path,
		Server: server,
	}, nil
}

func SaveServer(path string, updates map[string]string) (*RuntimeConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load ini: %w", err)
	}

	sec := cfg.Section("Server")
	for k, v := range updates {
		sec.Key(k).SetValue(v)
	}

	if err := cfg.SaveTo(path); err != nil {
		return nil, fmt.Errorf("save ini: %w", err)
	}

	return Load(path)
}

func applyServerDefaults(cfg *ini.File) {
	sec := cfg.Section("Server")
	for k, v := range defaultServer {
		if !sec.HasKey(k) {
			sec.Key(k).SetValue(v)
		}
	}
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
