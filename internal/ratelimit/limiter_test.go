package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/l0p7/gatectrl/internal/store"
)

func newTestLimiter(t *testing.T, opts Options) *Limiter {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	return New(slog.Default(), opts)
}

func TestSlidingWindowBound(t *testing.T) {
	l := newTestLimiter(t, Options{
		DefaultPolicy: Policy{Name: "tight", RequestsPerWindow: 3, Window: time.Minute, PerClient: true},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := l.Check(ctx, "client-1", "/api/x")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("admission %d unexpectedly rejected", i)
		}
		if result.Remaining != 3-i-1 {
			t.Fatalf("admission %d: remaining %d", i, result.Remaining)
		}
	}

	result, err := l.Check(ctx, "client-1", "/api/x")
	if err != nil {
		t.Fatalf("check over limit: %v", err)
	}
	if result.Allowed {
		t.Fatalf("expected rejection at the cap")
	}
	if result.Remaining != 0 || result.RetryAfter <= 0 {
		t.Fatalf("unexpected rejection result %#v", result)
	}

	// A different client is unaffected.
	other, err := l.Check(ctx, "client-2", "/api/x")
	if err != nil {
		t.Fatalf("check other client: %v", err)
	}
	if !other.Allowed {
		t.Fatalf("per-client policy must isolate clients")
	}
}

func TestWindowSlides(t *testing.T) {
	l := newTestLimiter(t, Options{
		DefaultPolicy: Policy{Name: "fast", RequestsPerWindow: 2, Window: 50 * time.Millisecond, PerClient: true},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if result, err := l.Check(ctx, "c", "/e"); err != nil || !result.Allowed {
			t.Fatalf("admission %d: %v %v", i, result.Allowed, err)
		}
	}
	if result, err := l.Check(ctx, "c", "/e"); err != nil || result.Allowed {
		t.Fatalf("expected rejection inside window")
	}

	time.Sleep(60 * time.Millisecond)

	status, err := l.Status(ctx, "c", "/e")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Remaining != 2 {
		t.Fatalf("expected empty window after elapse, remaining %d", status.Remaining)
	}
	if result, err := l.Check(ctx, "c", "/e"); err != nil || !result.Allowed {
		t.Fatalf("expected admission after window elapsed")
	}
}

func TestPolicySelection(t *testing.T) {
	l := newTestLimiter(t, Options{
		Policies: []Policy{
			{Name: "ai", RequestsPerWindow: 5, Window: time.Minute, PerClient: true, AppliesTo: []string{"/api/ai/*"}},
			{Name: "exact", RequestsPerWindow: 1, Window: time.Minute, PerClient: true, AppliesTo: []string{"/api/one"}},
		},
	})
	ctx := context.Background()

	result, err := l.Check(ctx, "c", "/api/ai/completions")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.Policy != "ai" || result.Limit != 5 {
		t.Fatalf("expected ai policy, got %#v", result)
	}

	result, err = l.Check(ctx, "c", "/api/one")
	if err != nil {
		t.Fatalf("check exact: %v", err)
	}
	if result.Policy != "exact" {
		t.Fatalf("expected exact policy, got %s", result.Policy)
	}

	result, err = l.Check(ctx, "c", "/elsewhere")
	if err != nil {
		t.Fatalf("check default: %v", err)
	}
	if result.Policy != "default" || result.Limit != 100 {
		t.Fatalf("expected default policy, got %#v", result)
	}
}

func TestWhitelistBypassesAdmission(t *testing.T) {
	l := newTestLimiter(t, Options{
		DefaultPolicy: Policy{Name: "one", RequestsPerWindow: 1, Window: time.Minute, PerClient: true},
	})
	ctx := context.Background()

	l.Whitelist("vip", 0)
	for i := 0; i < 5; i++ {
		result, err := l.Check(ctx, "vip", "/api/x")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !result.Allowed || !result.Whitelisted {
			t.Fatalf("whitelisted client rejected: %#v", result)
		}
	}

	l.RemoveWhitelist("vip")
	if result, err := l.Check(ctx, "vip", "/api/x"); err != nil || !result.Allowed {
		t.Fatalf("first post-whitelist admission should pass: %v", err)
	}
	if result, err := l.Check(ctx, "vip", "/api/x"); err != nil || result.Allowed {
		t.Fatalf("expected limiting to resume after whitelist removal")
	}
}

func TestWhitelistExpiry(t *testing.T) {
	l := newTestLimiter(t, Options{
		DefaultPolicy: Policy{Name: "one", RequestsPerWindow: 1, Window: time.Minute, PerClient: true},
	})
	ctx := context.Background()

	l.Whitelist("temp", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if result, err := l.Check(ctx, "temp", "/x"); err != nil || !result.Allowed {
		t.Fatalf("first admission: %v", err)
	}
	if result, err := l.Check(ctx, "temp", "/x"); err != nil || result.Allowed {
		t.Fatalf("expired whitelist entry must not bypass limiting")
	}
}

func TestReset(t *testing.T) {
	l := newTestLimiter(t, Options{
		DefaultPolicy: Policy{Name: "one", RequestsPerWindow: 1, Window: time.Minute, PerClient: true},
	})
	ctx := context.Background()

	if result, err := l.Check(ctx, "c", "/x"); err != nil || !result.Allowed {
		t.Fatalf("first admission: %v", err)
	}
	if result, err := l.Check(ctx, "c", "/x"); err != nil || result.Allowed {
		t.Fatalf("expected cap")
	}
	if err := l.Reset(ctx, "c"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if result, err := l.Check(ctx, "c", "/x"); err != nil || !result.Allowed {
		t.Fatalf("expected admission after reset: %v", err)
	}
}

// slowReadStore widens the gap between reading and writing window state so
// racing writers reliably overlap.
type slowReadStore struct {
	store.Store
	delay time.Duration
}

func (s slowReadStore) Get(ctx context.Context, key string) (string, error) {
	time.Sleep(s.delay)
	return s.Store.Get(ctx, key)
}

func TestConcurrentLimitersShareOneBudget(t *testing.T) {
	shared := slowReadStore{Store: store.NewMemory(), delay: 20 * time.Millisecond}
	policy := Policy{Name: "single", RequestsPerWindow: 1, Window: time.Minute, PerClient: true}

	// Two limiter instances model two gateway processes over one store.
	first := New(slog.Default(), Options{Store: shared, DefaultPolicy: policy})
	second := New(slog.Default(), Options{Store: shared, DefaultPolicy: policy})

	type outcome struct {
		result Result
		err    error
	}
	outcomes := make(chan outcome, 2)
	for _, l := range []*Limiter{first, second} {
		go func(l *Limiter) {
			result, err := l.Check(context.Background(), "c", "/api/x")
			outcomes <- outcome{result: result, err: err}
		}(l)
	}

	admitted := 0
	for i := 0; i < 2; i++ {
		got := <-outcomes
		if got.err != nil {
			t.Fatalf("check: %v", got.err)
		}
		if got.result.Allowed {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("expected exactly one admission across instances, got %d", admitted)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, error) {
	return "", errors.New("store down")
}
func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("store down")
}
func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}
func (failingStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("store down") }
func (failingStore) Close(context.Context) error          { return nil }

func TestFailOpen(t *testing.T) {
	l := newTestLimiter(t, Options{Store: failingStore{}, FailOpen: true})
	result, err := l.Check(context.Background(), "c", "/x")
	if err != nil {
		t.Fatalf("fail-open check: %v", err)
	}
	if !result.Allowed || !result.FailedOpen {
		t.Fatalf("expected annotated fail-open admission, got %#v", result)
	}
}

func TestFailClosed(t *testing.T) {
	l := newTestLimiter(t, Options{Store: failingStore{}, FailOpen: false})
	if _, err := l.Check(context.Background(), "c", "/x"); err == nil {
		t.Fatalf("expected hard error when failing closed")
	}
}
