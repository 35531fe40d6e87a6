package pool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAllocate_PrefersArrivalCredential(t *testing.T) {
	st := newTestStore(t)
	a := New([]string{"tok-1", "tok-2", "tok-3"}, st, nil)

	tenant, err := a.Allocate(context.Background(), 100, "tok-2")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if tenant.BotToken != "tok-2" {
		t.Errorf("expected preferred credential tok-2, got %s", tenant.BotToken)
	}
}

func TestAllocate_Idempotent(t *testing.T) {
	st := newTestStore(t)
	a := New([]string{"tok-1", "tok-2"}, st, nil)
	ctx := context.Background()

	first, err := a.Allocate(ctx, 100, "tok-1")
	if err != nil {
		t.Fatalf("first Allocate failed: %v", err)
	}
	second, err := a.Allocate(ctx, 100, "tok-2")
	if err != nil {
		t.Fatalf("repeat Allocate failed: %v", err)
	}
	if second.ID != first.ID || second.BotToken != first.BotToken {
		t.Errorf("repeat allocation changed binding: %s -> %s", first.BotToken, second.BotToken)
	}
}

func TestAllocate_FallsBackWhenPreferredTaken(t *testing.T) {
	st := newTestStore(t)
	a := New([]string{"tok-1", "tok-2"}, st, nil)
	ctx := context.Background()

	if _, err := a.Allocate(ctx, 100, "tok-1"); err != nil {
		t.Fatalf("seed Allocate failed: %v", err)
	}
	tenant, err := a.Allocate(ctx, 200, "tok-1")
	if err != nil {
		t.Fatalf("fallback Allocate failed: %v", err)
	}
	if tenant.BotToken != "tok-2" {
		t.Errorf("expected fallback to tok-2, got %s", tenant.BotToken)
	}
}

func TestAllocate_Exhausted(t *testing.T) {
	st := newTestStore(t)
	a := New([]string{"tok-1", "tok-2"}, st, nil)
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		if _, err := a.Allocate(ctx, i, ""); err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
	}
	if _, err := a.Allocate(ctx, 3, ""); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestAllocate_NeverExceedsPoolSize(t *testing.T) {
	st := newTestStore(t)
	const poolSize = 3
	tokens := make([]string, poolSize)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok-%d", i)
	}
	a := New(tokens, st, nil)

	// Many distinct identities racing for few credentials.
	var wg sync.WaitGroup
	var mu sync.Mutex
	allocated := 0
	exhausted := 0
	for i := int64(1); i <= 10; i++ {
		wg.Add(1)
		go func(chatID int64) {
			defer wg.Done()
			_, err := a.Allocate(context.Background(), chatID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				allocated++
			case errors.Is(err, ErrPoolExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error for chat %d: %v", chatID, err)
			}
		}(i)
	}
	wg.Wait()

	if allocated != poolSize {
		t.Errorf("expected exactly %d allocations, got %d", poolSize, allocated)
	}
	if exhausted != 10-poolSize {
		t.Errorf("expected %d exhaustions, got %d", 10-poolSize, exhausted)
	}

	tenants, err := st.AllTenants(context.Background(), "")
	if err != nil {
		t.Fatalf("AllTenants failed: %v", err)
	}
	if len(tenants) != poolSize {
		t.Errorf("expected %d tenants, got %d", poolSize, len(tenants))
	}
	seen := map[string]bool{}
	for _, ten := range tenants {
		if seen[ten.BotToken] {
			t.Errorf("credential %s bound twice", ten.BotToken)
		}
		seen[ten.BotToken] = true
	}
}

func TestFree(t *testing.T) {
	st := newTestStore(t)
	a := New([]string{"tok-1", "tok-2", "tok-3"}, st, nil)
	ctx := context.Background()

	if _, err := a.Allocate(ctx, 1, "tok-2"); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	free, err := a.Free(ctx)
	if err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if len(free) != 2 {
		t.Fatalf("expected 2 free credentials, got %d", len(free))
	}
	for _, tok := range free {
		if tok == "tok-2" {
			t.Error("allocated credential reported free")
		}
	}
}
