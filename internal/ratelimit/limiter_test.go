package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/queueworks/vqueue/internal/auth"
	"github.com/queueworks/vqueue/internal/cache"
)

func TestWindowBudget(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(cache.NewMemory(clk), clk, Config{Requests: 3, Window: time.Minute})
	ctx := context.Background()
	scope := TenantScope(uuid.New())

	for i := 1; i <= 3; i++ {
		d := l.Check(ctx, scope)
		if !d.Allowed {
			t.Fatalf("request %d denied within budget", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("request %d remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}

	d := l.Check(ctx, scope)
	if d.Allowed {
		t.Error("fourth request allowed over budget")
	}
	if d.Remaining != 0 {
		t.Errorf("over-budget remaining = %d, want 0", d.Remaining)
	}
}

func TestWindowResetsAtBoundary(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(cache.NewMemory(clk), clk, Config{Requests: 2, Window: time.Minute})
	ctx := context.Background()
	scope := TenantScope(uuid.New())

	l.Check(ctx, scope)
	l.Check(ctx, scope)
	if l.Check(ctx, scope).Allowed {
		t.Fatal("over budget but allowed")
	}

	// One second short of the boundary: still the same window
	clk.Advance(59 * time.Second)
	if l.Check(ctx, scope).Allowed {
		t.Error("allowed before window elapsed")
	}

	clk.Advance(time.Second)
	d := l.Check(ctx, scope)
	if !d.Allowed {
		t.Error("denied after window reset")
	}
	if d.Remaining != 1 {
		t.Errorf("remaining after reset = %d, want 1", d.Remaining)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(cache.NewMemory(clk), clk, Config{Requests: 1, Window: time.Minute})
	ctx := context.Background()

	a, b := TenantScope(uuid.New()), TenantScope(uuid.New())
	l.Check(ctx, a)
	if l.Check(ctx, a).Allowed {
		t.Fatal("scope a over budget but allowed")
	}
	if !l.Check(ctx, b).Allowed {
		t.Error("scope b throttled by scope a's traffic")
	}
}

func TestConfigureOverride(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(cache.NewMemory(clk), clk, Config{Requests: 1, Window: time.Minute})
	ctx := context.Background()
	scope := UserScope(uuid.New(), uuid.New())

	if err := l.Configure(ctx, scope, Config{Requests: 5, Window: time.Minute}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if !l.Check(ctx, scope).Allowed {
			t.Fatalf("request %d denied under override", i)
		}
	}
	if l.Check(ctx, scope).Allowed {
		t.Error("override budget not enforced")
	}

	if err := l.Configure(ctx, scope, Config{Requests: 0, Window: time.Minute}); err == nil {
		t.Error("zero-request config accepted")
	}
}

func TestResetClearsWindow(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(cache.NewMemory(clk), clk, Config{Requests: 1, Window: time.Minute})
	ctx := context.Background()
	scope := TenantScope(uuid.New())

	l.Check(ctx, scope)
	if l.Check(ctx, scope).Allowed {
		t.Fatal("over budget but allowed")
	}
	if err := l.Reset(ctx, scope); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !l.Check(ctx, scope).Allowed {
		t.Error("denied after admin reset")
	}
}

// failingCache errors on every operation to exercise the fail-open path
type failingCache struct{}

var errDown = errors.New("cache down")

func (failingCache) Get(context.Context, string, any) (bool, error)     { return false, errDown }
func (failingCache) Set(context.Context, string, any, time.Duration) error { return errDown }
func (failingCache) Remove(context.Context, string) error               { return errDown }
func (failingCache) Exists(context.Context, string) (bool, error)       { return false, errDown }
func (failingCache) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errDown
}
func (failingCache) RemoveByPattern(context.Context, string) error { return errDown }

func TestFailsOpenOnCacheOutage(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(failingCache{}, clk, Config{Requests: 1, Window: time.Minute})

	for i := 0; i < 5; i++ {
		if !l.Check(context.Background(), "tenant:x").Allowed {
			t.Fatal("request denied while cache is down")
		}
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(cache.NewMemory(clk), clk, Config{Requests: 2, Window: time.Minute})

	var handled int
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled++
		w.WriteHeader(http.StatusOK)
	}))

	id := &auth.Identity{TenantID: uuid.New(), UserID: uuid.New()}
	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/queues", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), id))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q", got)
	}

	do()
	rec = do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if handled != 2 {
		t.Errorf("handler ran %d times, want 2", handled)
	}
}

func TestMiddlewareSkipsAnonymous(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(cache.NewMemory(clk), clk, Config{Requests: 1, Window: time.Minute})

	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("anonymous request %d throttled", i)
		}
	}
}
