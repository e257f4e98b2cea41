package idempotency

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := ScopedKey("initialize", time.Now().Format(time.RFC3339Nano))
	rec := Record{
		RequestHash: Fingerprint("POST", "/api/v1/escrows", []byte("{}")),
		StatusCode:  201,
		Response:    []byte("payload"),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}

	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || got.RequestHash != rec.RequestHash {
		t.Fatalf("unexpected record: %#v", got)
	}

	if _, err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	pendingKey := key + ":pending"
	now := time.Now().UTC()
	pending := Record{RequestHash: rec.RequestHash, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	if ok, err := store.Reserve(ctx, pendingKey, pending); err != nil || !ok {
		t.Fatalf("reserve: %v %v", ok, err)
	}
	if ok, err := store.Reserve(ctx, pendingKey, pending); err != nil || ok {
		t.Fatalf("second reserve should lose: %v %v", ok, err)
	}
	if ok, err := store.Reserve(ctx, key, pending); err != nil || ok {
		t.Fatalf("completed key must not be reserved: %v %v", ok, err)
	}
	if err := store.Release(ctx, pendingKey); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, err := store.Get(ctx, pendingKey); err != nil || got != nil {
		t.Fatalf("expected released key gone: %#v %v", got, err)
	}
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("release completed: %v", err)
	}
	if got, _ := store.Get(ctx, key); got == nil {
		t.Fatal("release must not drop completed records")
	}
}
