package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"proxyfleetgo/internal/upstream"
)

func sampleSnapshot(now time.Time) *upstream.Snapshot {
	return &upstream.Snapshot{
		FetchedAt: now.Truncate(time.Second),
		Reported:  3,
		Proxies: []upstream.Proxy{
			{Address: "10.0.0.1:8080", Host: "10.0.0.1", Port: 8080, ISP: "viettel", ExpiresAt: now.Add(time.Minute).Truncate(time.Second), SecondsLeft: 60},
			{Address: "10.0.0.2:3128", Host: "10.0.0.2", Port: 3128, ISP: "fpt", ExpiresAt: now.Add(2 * time.Minute).Truncate(time.Second), SecondsLeft: 120},
		},
	}
}

func requireSameSnapshot(t *testing.T, want, got *upstream.Snapshot) {
	t.Helper()
	require.Equal(t, want.Reported, got.Reported)
	require.True(t, want.FetchedAt.Equal(got.FetchedAt))
	require.Len(t, got.Proxies, len(want.Proxies))
	for i := range want.Proxies {
		require.Equal(t, want.Proxies[i].Address, got.Proxies[i].Address)
		require.Equal(t, want.Proxies[i].ISP, got.Proxies[i].ISP)
		require.True(t, want.Proxies[i].ExpiresAt.Equal(got.Proxies[i].ExpiresAt))
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	fs := NewFileStore(filepath.Join(t.TempDir(), "state", "snapshot.json"))

	_, err := fs.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	snap := sampleSnapshot(time.Now())
	require.NoError(t, fs.Save(ctx, snap))

	got, err := fs.Load(ctx)
	require.NoError(t, err)
	requireSameSnapshot(t, snap, got)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs := NewRedisStore(client, "proxyfleet:test")
	t.Cleanup(func() { _ = rs.Close() })

	_, err := rs.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	snap := sampleSnapshot(time.Now())
	require.NoError(t, rs.Save(ctx, snap))
	require.True(t, mr.Exists("proxyfleet:test"))
	require.Greater(t, mr.TTL("proxyfleet:test"), time.Minute)

	got, err := rs.Load(ctx)
	require.NoError(t, err)
	requireSameSnapshot(t, snap, got)

	mr.FastForward(3 * time.Minute)
	_, err = rs.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTTLFloor(t *testing.T) {
	now := time.Now()
	require.Equal(t, time.Second, ttl(&upstream.Snapshot{}, now))
	expired := &upstream.Snapshot{Proxies: []upstream.Proxy{{ExpiresAt: now.Add(-time.Hour)}}}
	require.Equal(t, time.Second, ttl(expired, now))
}

func TestNew(t *testing.T) {
	s, err := New(Config{Kind: "none"})
	require.NoError(t, err)
	require.Nil(t, s)

	s, err = New(Config{Kind: "file", File: filepath.Join(t.TempDir(), "s.json")})
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)

	mr := miniredis.RunT(t)
	s, err = New(Config{Kind: "redis", RedisAddr: mr.Addr(), RedisKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &RedisStore{}, s)

	_, err = New(Config{Kind: "etcd"})
	require.Error(t, err)
}
