package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testCache(t *testing.T, ttl time.Duration) (*DedupCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewDedupCacheWithClient(client, ttl), mr
}

func TestDedupCache_SeenAndRecord(t *testing.T) {
	cache, _ := testCache(t, time.Hour)
	ctx := context.Background()

	if cache.Seen(ctx, "evt-1") {
		t.Error("fresh cache must not report evt-1 seen")
	}

	cache.Record(ctx, "evt-1")

	if !cache.Seen(ctx, "evt-1") {
		t.Error("recorded event id must be seen")
	}
	if cache.Seen(ctx, "evt-2") {
		t.Error("unrelated event id must stay a miss")
	}
}

func TestDedupCache_EntriesExpire(t *testing.T) {
	cache, mr := testCache(t, time.Minute)
	ctx := context.Background()

	cache.Record(ctx, "evt-1")
	if !cache.Seen(ctx, "evt-1") {
		t.Fatal("entry must be seen before expiry")
	}

	mr.FastForward(2 * time.Minute)

	if cache.Seen(ctx, "evt-1") {
		t.Error("entry must expire after its TTL")
	}
}

func TestDedupCache_ErrorsDegradeToMiss(t *testing.T) {
	cache, mr := testCache(t, time.Hour)
	ctx := context.Background()

	cache.Record(ctx, "evt-1")
	mr.Close()

	// With the backend gone a lookup falls through to the ledger rather
	// than failing the pipeline.
	if cache.Seen(ctx, "evt-1") {
		t.Error("a cache error must read as a miss")
	}

	// Record on a dead backend is log-only.
	cache.Record(ctx, "evt-2")
}
