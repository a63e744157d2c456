// Package ratelimit enforces per-client sliding-window admission against the
// shared counter store. The window is represented as the list of admission
// timestamps per key, pruned on every check, so the bound holds across any
// trailing interval rather than fixed buckets.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/gatectrl/internal/store"
)

// Policy configures one admission budget.
type Policy struct {
	Name              string        `json:"name" koanf:"name"`
	RequestsPerWindow int           `json:"requestsPerWindow" koanf:"requestsPerWindow"`
	Window            time.Duration `json:"window" koanf:"window"`
	Algorithm         string        `json:"algorithm,omitempty" koanf:"algorithm"`
	AppliesTo         []string      `json:"appliesTo,omitempty" koanf:"appliesTo"`
	PerClient         bool          `json:"perClient" koanf:"perClient"`
}

// DefaultPolicy is the fallback when no configured policy covers an endpoint.
func DefaultPolicy() Policy {
	return Policy{
		Name:              "default",
		RequestsPerWindow: 100,
		Window:            60 * time.Second,
		Algorithm:         "sliding-window",
		PerClient:         true,
	}
}

// Result is the admission decision for one check.
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Policy     string
	// Whitelisted marks admissions that bypassed the window entirely; the
	// client has no budget, so Remaining and Limit are nominal.
	Whitelisted bool
	// FailedOpen marks admissions granted because the counter store was
	// unreachable and the limiter is configured to fail open.
	FailedOpen bool
}

// The stored TTL exceeds the window by this margin so a counter never
// vanishes mid-window.
const ttlMargin = 10 * time.Second

// Window updates go through compare-and-swap so writers in other processes
// are detected; this bounds the re-read attempts under contention.
const casAttempts = 8

// Limiter is the sliding-window admission gate.
type Limiter struct {
	logger        *slog.Logger
	store         store.Store
	failOpen      bool
	defaultPolicy Policy

	// mu guards the policy, whitelist, and seen-key tables. Window state is
	// not under it: in-process writers to the same key serialize on a striped
	// keyLock, and cross-process writers are caught by the store CAS.
	mu        sync.Mutex
	policies  map[string]Policy
	whitelist map[string]time.Time
	seen      map[string]map[string]struct{}

	keyLocks [64]sync.Mutex
}

// Options configures a Limiter.
type Options struct {
	Store         store.Store
	FailOpen      bool
	DefaultPolicy Policy
	Policies      []Policy
}

// New builds a limiter over the counter store.
func New(logger *slog.Logger, opts Options) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	def := opts.DefaultPolicy
	if def.RequestsPerWindow <= 0 || def.Window <= 0 {
		def = DefaultPolicy()
	}
	l := &Limiter{
		logger:        logger.With(slog.String("component", "rate_limiter")),
		store:         opts.Store,
		failOpen:      opts.FailOpen,
		defaultPolicy: def,
		policies:      make(map[string]Policy),
		whitelist:     make(map[string]time.Time),
		seen:          make(map[string]map[string]struct{}),
	}
	for _, p := range opts.Policies {
		for _, endpoint := range p.AppliesTo {
			l.policies[endpoint] = p
		}
	}
	return l
}

// Configure installs or replaces the policy for an endpoint pattern.
func (l *Limiter) Configure(endpoint string, policy Policy) {
	l.mu.Lock()
	l.policies[endpoint] = policy
	l.mu.Unlock()
}

// Whitelist exempts a client from admission checks. A zero duration means no
// expiry; entries are evicted lazily when consulted.
func (l *Limiter) Whitelist(clientID string, duration time.Duration) {
	expiry := time.Time{}
	if duration > 0 {
		expiry = time.Now().Add(duration)
	}
	l.mu.Lock()
	l.whitelist[clientID] = expiry
	l.mu.Unlock()
}

// RemoveWhitelist drops a client's exemption.
func (l *Limiter) RemoveWhitelist(clientID string) {
	l.mu.Lock()
	delete(l.whitelist, clientID)
	l.mu.Unlock()
}

func (l *Limiter) isWhitelistedLocked(clientID string) bool {
	expiry, ok := l.whitelist[clientID]
	if !ok {
		return false
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		delete(l.whitelist, clientID)
		return false
	}
	return true
}

// policyFor picks the governing policy: exact endpoint match first, then a
// shell-style `*` suffix scan over configured patterns, then the default.
func (l *Limiter) policyFor(endpoint string) Policy {
	if p, ok := l.policies[endpoint]; ok {
		return p
	}
	for pattern, p := range l.policies {
		if matchEndpoint(pattern, endpoint) {
			return p
		}
	}
	return l.defaultPolicy
}

func matchEndpoint(pattern, endpoint string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(endpoint, prefix)
	}
	return pattern == endpoint
}

func key(policy Policy, clientID, endpoint string) string {
	subject := "global"
	if policy.PerClient {
		subject = clientID
	}
	return "ratelimit:" + subject + ":" + endpoint
}

type windowState struct {
	Admissions []int64 `json:"admissions"`
}

// loadWindow returns the pruned window plus the raw stored value, which later
// serves as the compare-and-swap expectation. An absent key yields an empty
// raw value.
func (l *Limiter) loadWindow(ctx context.Context, storeKey string, cutoff time.Time) (windowState, string, error) {
	raw, err := l.store.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return windowState{}, "", nil
		}
		return windowState{}, "", err
	}
	var state windowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// A corrupt counter resets rather than wedging admission; keeping the
		// raw value as the swap expectation replaces it atomically.
		l.logger.Warn("discarding unreadable window state", slog.String("key", storeKey), slog.Any("error", err))
		return windowState{}, raw, nil
	}
	pruned := state.Admissions[:0]
	cutoffMilli := cutoff.UnixMilli()
	for _, ts := range state.Admissions {
		if ts > cutoffMilli {
			pruned = append(pruned, ts)
		}
	}
	state.Admissions = pruned
	return state, raw, nil
}

// swapWindow installs state only if the stored value still equals expected.
// A false return means another writer advanced the window first.
func (l *Limiter) swapWindow(ctx context.Context, storeKey, expected string, state windowState, window time.Duration) (bool, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("ratelimit: marshal window: %w", err)
	}
	return l.store.CompareAndSwap(ctx, storeKey, expected, string(payload), window+ttlMargin)
}

func (l *Limiter) lockFor(storeKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(storeKey))
	return &l.keyLocks[h.Sum32()%uint32(len(l.keyLocks))]
}

// Check decides admission for (clientID, endpoint) and records the admission
// when granted. The window update is a compare-and-swap loop, so two gateway
// instances sharing the store cannot both spend the last admission.
func (l *Limiter) Check(ctx context.Context, clientID, endpoint string) (Result, error) {
	l.mu.Lock()
	policy := l.policyFor(endpoint)
	limit := policy.RequestsPerWindow
	if l.isWhitelistedLocked(clientID) {
		l.mu.Unlock()
		return Result{Allowed: true, Remaining: limit, Limit: limit, Policy: policy.Name, Whitelisted: true}, nil
	}
	storeKey := key(policy, clientID, endpoint)
	l.rememberKey(clientID, storeKey)
	l.mu.Unlock()

	lock := l.lockFor(storeKey)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		now := time.Now()
		state, raw, err := l.loadWindow(ctx, storeKey, now.Add(-policy.Window))
		if err != nil {
			if l.failOpen {
				l.logger.Warn("counter store unavailable, admitting fail-open",
					slog.String("endpoint", endpoint), slog.Any("error", err))
				return Result{Allowed: true, Remaining: limit, Limit: limit, Policy: policy.Name, FailedOpen: true}, nil
			}
			return Result{}, fmt.Errorf("ratelimit: counter store: %w", err)
		}

		if len(state.Admissions) >= limit {
			oldest := time.UnixMilli(state.Admissions[0])
			resetAt := oldest.Add(policy.Window)
			retryAfter := time.Until(resetAt)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return Result{
				Allowed:    false,
				Remaining:  0,
				Limit:      limit,
				ResetAt:    resetAt,
				RetryAfter: retryAfter,
				Policy:     policy.Name,
			}, nil
		}

		state.Admissions = append(state.Admissions, now.UnixMilli())
		swapped, err := l.swapWindow(ctx, storeKey, raw, state, policy.Window)
		if err != nil {
			if l.failOpen {
				l.logger.Warn("counter store write failed, admitting fail-open",
					slog.String("endpoint", endpoint), slog.Any("error", err))
				return Result{Allowed: true, Remaining: limit - len(state.Admissions), Limit: limit, Policy: policy.Name, FailedOpen: true}, nil
			}
			return Result{}, fmt.Errorf("ratelimit: counter store: %w", err)
		}
		if swapped {
			return Result{
				Allowed:   true,
				Remaining: limit - len(state.Admissions),
				Limit:     limit,
				ResetAt:   now.Add(policy.Window),
				Policy:    policy.Name,
			}, nil
		}
		// Another instance advanced the window; re-read and decide again.
	}

	if l.failOpen {
		l.logger.Warn("window update kept conflicting, admitting fail-open",
			slog.String("endpoint", endpoint))
		return Result{Allowed: true, Remaining: limit, Limit: limit, Policy: policy.Name, FailedOpen: true}, nil
	}
	return Result{}, fmt.Errorf("ratelimit: window update for %s lost %d swap races", storeKey, casAttempts)
}

// Record counts an admission without deciding anything; callers that bypass
// Check can still account for traffic.
func (l *Limiter) Record(ctx context.Context, clientID, endpoint string) error {
	l.mu.Lock()
	policy := l.policyFor(endpoint)
	storeKey := key(policy, clientID, endpoint)
	l.rememberKey(clientID, storeKey)
	l.mu.Unlock()

	lock := l.lockFor(storeKey)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < casAttempts; attempt++ {
		now := time.Now()
		state, raw, err := l.loadWindow(ctx, storeKey, now.Add(-policy.Window))
		if err != nil {
			return fmt.Errorf("ratelimit: counter store: %w", err)
		}
		state.Admissions = append(state.Admissions, now.UnixMilli())
		swapped, err := l.swapWindow(ctx, storeKey, raw, state, policy.Window)
		if err != nil {
			return fmt.Errorf("ratelimit: counter store: %w", err)
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("ratelimit: window update for %s lost %d swap races", storeKey, casAttempts)
}

// Status reports current usage without recording an admission.
func (l *Limiter) Status(ctx context.Context, clientID, endpoint string) (Result, error) {
	l.mu.Lock()
	policy := l.policyFor(endpoint)
	whitelisted := l.isWhitelistedLocked(clientID)
	l.mu.Unlock()
	limit := policy.RequestsPerWindow

	if whitelisted {
		return Result{Allowed: true, Remaining: limit, Limit: limit, Policy: policy.Name, Whitelisted: true}, nil
	}

	now := time.Now()
	state, _, err := l.loadWindow(ctx, key(policy, clientID, endpoint), now.Add(-policy.Window))
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: counter store: %w", err)
	}

	remaining := limit - len(state.Admissions)
	if remaining < 0 {
		remaining = 0
	}
	result := Result{
		Allowed:   remaining > 0,
		Remaining: remaining,
		Limit:     limit,
		Policy:    policy.Name,
	}
	if len(state.Admissions) > 0 {
		result.ResetAt = time.UnixMilli(state.Admissions[0]).Add(policy.Window)
	}
	return result, nil
}

// Reset clears every counter this process has seen for the client.
func (l *Limiter) Reset(ctx context.Context, clientID string) error {
	l.mu.Lock()
	keys := l.seen[clientID]
	delete(l.seen, clientID)
	l.mu.Unlock()

	var firstErr error
	for storeKey := range keys {
		if err := l.store.Delete(ctx, storeKey); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ratelimit: reset: %w", err)
		}
	}
	return firstErr
}

func (l *Limiter) rememberKey(clientID, storeKey string) {
	keys, ok := l.seen[clientID]
	if !ok {
		keys = make(map[string]struct{})
		l.seen[clientID] = keys
	}
	keys[storeKey] = struct{}{}
}
