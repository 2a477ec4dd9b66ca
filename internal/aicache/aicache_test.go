package aicache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cuenly-ingest/internal/model"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop())
}

func TestPutThenGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	doc := &model.InvoiceDocument{Header: model.InvoiceHeader{CDC: "0100000001"}}
	if err := c.Put(ctx, "hash-1", doc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := c.Get(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.Header.CDC != "0100000001" {
		t.Fatalf("expected CDC 0100000001, got %q", got.Header.CDC)
	}
}

func TestGetMissReturnsNoError(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected nil error on miss, got %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}
