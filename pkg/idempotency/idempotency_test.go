package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/resourcerent/pkg/logger"
)

type fakeStore struct {
	data      map[string]time.Duration
	existsErr error
	setErr    error
	delErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]time.Duration{}}
}

func (f *fakeStore) Set(_ context.Context, key string, _ any, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = ttl
	return nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	if f.delErr != nil {
		return f.delErr
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "rr:idempotency:" + scope + ":" + id
}

func TestMarkThenIsProcessed(t *testing.T) {
	store := newFakeStore()
	mgr, err := NewManager(store, logger.Nop(), 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if mgr.IsProcessed(ctx, "nile", "abc") {
		t.Fatalf("fresh tx should not be processed")
	}
	mgr.MarkProcessed(ctx, "nile", "abc")
	if !mgr.IsProcessed(ctx, "nile", "abc") {
		t.Fatalf("marked tx should be processed")
	}
	if mgr.IsProcessed(ctx, "mainnet", "abc") {
		t.Fatalf("same id on another network is a different tx")
	}

	ttl, ok := store.data["rr:idempotency:tx:nile:abc"]
	if !ok {
		t.Fatalf("unexpected key layout: %v", store.data)
	}
	if ttl != 24*time.Hour {
		t.Fatalf("expected default retention, got %v", ttl)
	}

	mgr.Unmark(ctx, "nile", "abc")
	if mgr.IsProcessed(ctx, "nile", "abc") {
		t.Fatalf("unmarked tx should not be processed")
	}
}

func TestIsProcessedFailsOpen(t *testing.T) {
	store := newFakeStore()
	store.data["rr:idempotency:tx:nile:abc"] = time.Hour
	store.existsErr = errors.New("redis down")
	mgr, _ := NewManager(store, logger.Nop(), time.Hour)

	if mgr.IsProcessed(context.Background(), "nile", "abc") {
		t.Fatalf("store errors must report unprocessed")
	}
}

func TestWriteErrorsAreSwallowed(t *testing.T) {
	store := newFakeStore()
	store.setErr = errors.New("redis down")
	store.delErr = errors.New("redis down")
	mgr, _ := NewManager(store, logger.Nop(), time.Hour)

	mgr.MarkProcessed(context.Background(), "nile", "abc")
	mgr.Unmark(context.Background(), "nile", "abc")
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil, logger.Nop(), time.Hour); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewManager(newFakeStore(), nil, time.Hour); err == nil {
		t.Fatalf("expected error for nil logger")
	}
	if _, err := NewManager(newFakeStore(), logger.Nop(), -time.Second); err == nil {
		t.Fatalf("expected error for negative retention")
	}
}
