package auth

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/l0p7/gatectrl/internal/store"
)

const testSecret = "test-signing-secret"

func newTestValidator(t *testing.T) (*Validator, store.Store) {
	t.Helper()
	st := store.NewMemory()
	v, err := NewValidator(slog.Default(), Config{
		Secret:   testSecret,
		Issuer:   "gatectrl-test",
		Audience: "internal-services",
	}, st)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v, st
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = "gatectrl-test"
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = "internal-services"
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestValidateTokenSuccess(t *testing.T) {
	v, _ := newTestValidator(t)
	token := signToken(t, jwt.MapClaims{
		"sub":        "user-1",
		"name":       "Alex",
		"tenant_id":  "t-9",
		"roles":      []any{"operator"},
		"scope":      "erp:read crm:write",
		"permission": "projects:read",
	})

	result := v.ValidateToken(context.Background(), token)
	if !result.OK {
		t.Fatalf("expected success, got %s: %s", result.Code, result.Message)
	}
	p := result.Principal
	if p.Subject != "user-1" || p.TenantID != "t-9" || p.AuthType != AuthTypeJWT {
		t.Fatalf("unexpected principal %#v", p)
	}
	if !p.HasScope("erp:read") || !p.HasScope("crm:write") {
		t.Fatalf("expected scopes from scope claim, got %#v", p.Scopes)
	}
	if len(p.Roles) != 1 || p.Roles[0] != "operator" {
		t.Fatalf("unexpected roles %#v", p.Roles)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	v, _ := newTestValidator(t)
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-10 * time.Minute).Unix(),
	})
	result := v.ValidateToken(context.Background(), token)
	if result.OK || result.Code != CodeTokenExpired {
		t.Fatalf("expected TOKEN_EXPIRED, got %#v", result)
	}
}

func TestValidateTokenSkewTolerance(t *testing.T) {
	v, _ := newTestValidator(t)
	// Expired 30 s ago, inside the one-minute skew allowance.
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-30 * time.Second).Unix(),
	})
	result := v.ValidateToken(context.Background(), token)
	if !result.OK {
		t.Fatalf("expected skew tolerance, got %s", result.Code)
	}
}

func TestValidateTokenMalformed(t *testing.T) {
	v, _ := newTestValidator(t)
	result := v.ValidateToken(context.Background(), "not-a-jwt")
	if result.OK || result.Code != CodeInvalidTokenFormat {
		t.Fatalf("expected INVALID_TOKEN_FORMAT, got %#v", result)
	}
}

func TestValidateTokenWrongIssuer(t *testing.T) {
	v, _ := newTestValidator(t)
	token := signToken(t, jwt.MapClaims{"sub": "user-1", "iss": "someone-else"})
	result := v.ValidateToken(context.Background(), token)
	if result.OK || result.Code != CodeInvalidToken {
		t.Fatalf("expected INVALID_TOKEN, got %#v", result)
	}
}

func TestValidateTokenRevokedJTI(t *testing.T) {
	v, st := newTestValidator(t)
	ctx := context.Background()
	token := signToken(t, jwt.MapClaims{"sub": "user-1", "jti": "tok-123"})

	if err := st.Set(ctx, "token:blacklist:tok-123", "revoked", time.Hour); err != nil {
		t.Fatalf("seed blacklist: %v", err)
	}
	result := v.ValidateToken(ctx, token)
	if result.OK || result.Code != CodeTokenRevoked {
		t.Fatalf("expected TOKEN_REVOKED, got %#v", result)
	}
}

func TestRevokeRefreshBlacklists(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()
	token := signToken(t, jwt.MapClaims{"sub": "user-1", "jti": "tok-9"})

	if result := v.ValidateToken(ctx, token); !result.OK {
		t.Fatalf("precondition: %s", result.Code)
	}
	if err := v.RevokeRefresh(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if result := v.ValidateToken(ctx, token); result.OK || result.Code != CodeTokenRevoked {
		t.Fatalf("expected revocation to stick, got %#v", result)
	}
}

func TestValidateKeyPaths(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()

	if result := v.ValidateKey(ctx, "never-issued"); result.OK || result.Code != CodeInvalidAPIKey {
		t.Fatalf("expected INVALID_API_KEY, got %#v", result)
	}

	if err := v.RegisterKey(ctx, "svc-key-1", APIKeyRecord{
		ServiceName: "erp-sync",
		Scopes:      []string{"erp:read"},
		Active:      true,
	}); err != nil {
		t.Fatalf("register key: %v", err)
	}
	result := v.ValidateKey(ctx, "svc-key-1")
	if !result.OK {
		t.Fatalf("expected success, got %s", result.Code)
	}
	if result.Principal.Subject != "erp-sync" || result.Principal.AuthType != AuthTypeAPIKey {
		t.Fatalf("unexpected principal %#v", result.Principal)
	}

	if err := v.RegisterKey(ctx, "svc-key-2", APIKeyRecord{ServiceName: "x", Active: false}); err != nil {
		t.Fatalf("register inactive key: %v", err)
	}
	if result := v.ValidateKey(ctx, "svc-key-2"); result.OK || result.Code != CodeInactiveAPIKey {
		t.Fatalf("expected INACTIVE_API_KEY, got %#v", result)
	}

	if err := v.RegisterKey(ctx, "svc-key-3", APIKeyRecord{
		ServiceName: "x",
		Active:      true,
		ExpiresAt:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("register expiring key: %v", err)
	}
	// Rewrite the record as already expired; the TTL has not fired yet but
	// the expiry field must be honored.
	if err := v.RegisterKey(ctx, "svc-key-4", APIKeyRecord{
		ServiceName: "x",
		Active:      true,
		ExpiresAt:   time.Now().Add(50 * time.Millisecond),
	}); err != nil {
		t.Fatalf("register short key: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	result = v.ValidateKey(ctx, "svc-key-4")
	if result.OK {
		t.Fatalf("expected expiry rejection, got success")
	}
	if result.Code != CodeExpiredAPIKey && result.Code != CodeInvalidAPIKey {
		t.Fatalf("expected EXPIRED_API_KEY or TTL eviction, got %s", result.Code)
	}
}

func TestHasPermission(t *testing.T) {
	v, _ := newTestValidator(t)
	p := &Principal{Permissions: []string{"projects:read", "orders:*"}}

	if !v.HasPermission(p, "projects", "read") {
		t.Fatalf("exact permission should grant")
	}
	if !v.HasPermission(p, "orders", "delete") {
		t.Fatalf("resource wildcard should grant")
	}
	if v.HasPermission(p, "projects", "write") {
		t.Fatalf("unrelated action must not grant")
	}

	admin := &Principal{Permissions: []string{"*:*"}}
	if !v.HasPermission(admin, "anything", "at-all") {
		t.Fatalf("global wildcard should grant")
	}

	v.Roles = func(role string) []string {
		if role == "auditor" {
			return []string{"logs:read"}
		}
		return nil
	}
	auditor := &Principal{Roles: []string{"auditor"}}
	if !v.HasPermission(auditor, "logs", "read") {
		t.Fatalf("role-derived permission should grant")
	}
	if v.HasPermission(auditor, "logs", "write") {
		t.Fatalf("role grant must not widen")
	}
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	if kind, value := CredentialFromRequest(r); kind != "bearer" || value != "tok-1" {
		t.Fatalf("unexpected credential %s %s", kind, value)
	}

	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-API-Key", "key-1")
	if kind, value := CredentialFromRequest(r); kind != "api_key" || value != "key-1" {
		t.Fatalf("unexpected credential %s %s", kind, value)
	}

	r = httptest.NewRequest("GET", "/x?api_key=key-2", nil)
	if kind, value := CredentialFromRequest(r); kind != "api_key" || value != "key-2" {
		t.Fatalf("unexpected credential %s %s", kind, value)
	}

	r = httptest.NewRequest("GET", "/x", nil)
	if kind, _ := CredentialFromRequest(r); kind != "" {
		t.Fatalf("expected no credential, got %s", kind)
	}
}
