package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/env"
)

// ResolveRedis returns the first reachable Redis endpoint or skips the test.
func ResolveRedis(t testing.TB) (host, port, password string) {
	t.Helper()

	hosts := unique(env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1")
	ports := unique(env.GetEnv("CACHE_PORT", "6379"), "6379")
	passwords := append(unique(env.GetEnv("CACHE_PASSWORD", "")), "")

	var lastErr error
	for _, h := range hosts {
		for _, p := range ports {
			for _, pw := range passwords {
				client := redis.NewClient(&redis.Options{
					Addr:     fmt.Sprintf("%s:%s", h, p),
					Password: pw,
				})
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_, err := client.Ping(ctx).Result()
				cancel()
				_ = client.Close()
				if err == nil {
					return h, p, pw
				}
				lastErr = err
			}
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", "", ""
}

// NewRedisClient connects to an isolated, flushed Redis database or skips.
func NewRedisClient(t testing.TB, db int) *redis.Client {
	t.Helper()

	host, port, password := ResolveRedis(t)
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,
	})
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: flush of db %d failed (%v)", db, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func unique(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
