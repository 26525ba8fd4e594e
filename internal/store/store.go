// Package store persists the last good upstream snapshot so a restarted
// gateway can keep serving while the feed is unreachable.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"proxyfleetgo/internal/upstream"
)

var ErrNotFound = errors.New("no stored snapshot")

type Config struct {
	Kind      string
	File      string
	RedisAddr string
	RedisKey  string
}

// New returns nil for kind "none", which disables persistence.
func New(cfg Config) (upstream.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "none":
		return nil, nil
	case "file":
		return NewFileStore(cfg.File), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisStore(client, cfg.RedisKey), nil
	default:
		return nil, fmt.Errorf("unknown snapshot store: %q", cfg.Kind)
	}
}

type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(_ context.Context) (*upstream.Snapshot, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(b)
}

func (f *FileStore) Save(_ context.Context, snap *upstream.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// RedisStore keeps the snapshot under one key. The key expires together with
// the longest-lived entry.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (*upstream.Snapshot, error) {
	b, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return decode(b)
}

func (r *RedisStore) Save(ctx context.Context, snap *upstream.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, b, ttl(snap, time.Now())).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func ttl(snap *upstream.Snapshot, now time.Time) time.Duration {
	var latest time.Time
	for _, p := range snap.Proxies {
		if p.ExpiresAt.After(latest) {
			latest = p.ExpiresAt
		}
	}
	d := latest.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Truncate(time.Second)
}

func decode(b []byte) (*upstream.Snapshot, error) {
	var snap upstream.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
