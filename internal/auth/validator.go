// Package auth validates signed bearer tokens and opaque service keys and
// answers permission queries over the resulting principals.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/l0p7/gatectrl/internal/store"
)

const clockSkew = time.Minute

// Config carries the token-validation settings from the Jwt config section.
type Config struct {
	Secret    string `koanf:"secret"`
	Issuer    string `koanf:"issuer"`
	Audience  string `koanf:"audience"`
	Algorithm string `koanf:"algorithm"`
}

// APIKeyRecord is the stored shape of an issued service key.
type APIKeyRecord struct {
	ServiceName string    `json:"serviceName"`
	Scopes      []string  `json:"scopes,omitempty"`
	Active      bool      `json:"active"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// RoleResolver maps a role name to the permissions it grants. The shape of
// the role store is deployment-specific, so the resolver is pluggable.
type RoleResolver func(role string) []string

// Validator checks credentials against the configured signing key and the
// distributed revocation/key records.
type Validator struct {
	logger *slog.Logger
	cfg    Config
	store  store.Store

	// Roles resolves role-derived permissions; nil means roles grant none.
	Roles RoleResolver
}

// NewValidator builds a validator. The algorithm defaults to HS256.
func NewValidator(logger *slog.Logger, cfg Config, st store.Store) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Secret == "" {
		return nil, errors.New("auth: signing secret required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	switch cfg.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", cfg.Algorithm)
	}
	return &Validator{
		logger: logger.With(slog.String("component", "credential_validator")),
		cfg:    cfg,
		store:  st,
	}, nil
}

// ValidateToken verifies a signed bearer token: signature, issuer, audience,
// expiry with one minute of skew, and the jti revocation list.
func (v *Validator) ValidateToken(ctx context.Context, token string) Result {
	if strings.TrimSpace(token) == "" {
		return failure(CodeInvalidTokenFormat, "empty token")
	}

	claims := jwt.MapClaims{}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.cfg.Algorithm}),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(v.cfg.Audience))
	}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	}, options...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return failure(CodeInvalidTokenFormat, "token is not a well-formed JWT")
		case errors.Is(err, jwt.ErrTokenExpired):
			return failure(CodeTokenExpired, "token has expired")
		default:
			return failure(CodeInvalidToken, err.Error())
		}
	}

	if jti, ok := claims["jti"].(string); ok && jti != "" {
		revoked, err := v.isRevoked(ctx, jti)
		if err != nil {
			return failure(CodeValidationError, fmt.Sprintf("revocation lookup: %v", err))
		}
		if revoked {
			return failure(CodeTokenRevoked, "token has been revoked")
		}
	}

	return success(principalFromClaims(claims))
}

func (v *Validator) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.store == nil {
		return false, nil
	}
	value, err := v.store.Get(ctx, "token:blacklist:"+jti)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return value != "", nil
}

// ValidateKey checks an opaque service key against its stored record.
func (v *Validator) ValidateKey(ctx context.Context, key string) Result {
	if strings.TrimSpace(key) == "" {
		return failure(CodeInvalidAPIKey, "empty api key")
	}
	if v.store == nil {
		return failure(CodeValidationError, "key store unavailable")
	}

	sum := sha256.Sum256([]byte(key))
	hash := base64.StdEncoding.EncodeToString(sum[:])

	raw, err := v.store.Get(ctx, "apikey:"+hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure(CodeInvalidAPIKey, "unknown api key")
		}
		return failure(CodeValidationError, fmt.Sprintf("key lookup: %v", err))
	}

	var record APIKeyRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return failure(CodeValidationError, "unreadable api key record")
	}
	if !record.Active {
		return failure(CodeInactiveAPIKey, "api key is inactive")
	}
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		return failure(CodeExpiredAPIKey, "api key has expired")
	}

	return success(&Principal{
		Subject:  record.ServiceName,
		Name:     record.ServiceName,
		AuthType: AuthTypeAPIKey,
		Scopes:   append([]string{}, record.Scopes...),
	})
}

// RegisterKey stores the record for an issued key. Issuance itself happens
// elsewhere; this seeds records for validation.
func (v *Validator) RegisterKey(ctx context.Context, key string, record APIKeyRecord) error {
	if v.store == nil {
		return errors.New("auth: key store unavailable")
	}
	sum := sha256.Sum256([]byte(key))
	hash := base64.StdEncoding.EncodeToString(sum[:])
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("auth: marshal key record: %w", err)
	}
	var ttl time.Duration
	if !record.ExpiresAt.IsZero() {
		ttl = time.Until(record.ExpiresAt)
	}
	return v.store.Set(ctx, "apikey:"+hash, string(payload), ttl)
}

// RevokeRefresh blacklists the token's jti until its natural expiry.
func (v *Validator) RevokeRefresh(ctx context.Context, token string) error {
	if v.store == nil {
		return errors.New("auth: revocation store unavailable")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(v.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{v.cfg.Algorithm}), jwt.WithLeeway(clockSkew))
	if err != nil {
		return fmt.Errorf("auth: revoke: %w", err)
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return errors.New("auth: token carries no jti")
	}
	ttl := time.Hour
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if until := time.Until(exp.Time); until > 0 {
			ttl = until + clockSkew
		}
	}
	return v.store.Set(ctx, "token:blacklist:"+jti, "revoked", ttl)
}

// HasPermission reports whether the principal satisfies (resource, action),
// either directly or through a role-derived grant.
func (v *Validator) HasPermission(p *Principal, resource, action string) bool {
	if p == nil {
		return false
	}
	if permissionSetGrants(p.Permissions, resource, action) {
		return true
	}
	if v.Roles == nil {
		return false
	}
	for _, role := range p.Roles {
		if permissionSetGrants(v.Roles(role), resource, action) {
			return true
		}
	}
	return false
}

func permissionSetGrants(permissions []string, resource, action string) bool {
	for _, perm := range permissions {
		switch perm {
		case resource + ":" + action, resource + ":*", "*:*":
			return true
		}
	}
	return false
}

// UserInfo projects the caller-visible identity attributes of a principal.
func (v *Validator) UserInfo(p *Principal) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	info := map[string]any{
		"subject":  p.Subject,
		"authType": p.AuthType,
	}
	if p.Name != "" {
		info["name"] = p.Name
	}
	if p.TenantID != "" {
		info["tenantId"] = p.TenantID
	}
	if len(p.Roles) > 0 {
		info["roles"] = append([]string{}, p.Roles...)
	}
	if len(p.Scopes) > 0 {
		info["scopes"] = append([]string{}, p.Scopes...)
	}
	return info
}

func principalFromClaims(claims jwt.MapClaims) *Principal {
	p := &Principal{AuthType: AuthTypeJWT, Claims: map[string]any(claims)}
	if sub, ok := claims["sub"].(string); ok {
		p.Subject = sub
	}
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	}
	if tenant, ok := claims["tenant_id"].(string); ok {
		p.TenantID = tenant
	}
	p.Roles = stringListClaim(claims, "role", "roles")
	p.Permissions = stringListClaim(claims, "permission", "permissions")

	// Scopes appear either as a list or the space-separated `scope` form.
	p.Scopes = stringListClaim(claims, "scopes")
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		p.Scopes = append(p.Scopes, strings.Fields(scope)...)
	}
	return p
}

func stringListClaim(claims jwt.MapClaims, names ...string) []string {
	var out []string
	for _, name := range names {
		switch value := claims[name].(type) {
		case string:
			if value != "" {
				out = append(out, value)
			}
		case []any:
			for _, item := range value {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// CredentialFromRequest extracts the bearer token or opaque key carried by a
// request: the Authorization header first, then X-API-Key, then ?api_key=.
func CredentialFromRequest(r *http.Request) (kind, value string) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return "bearer", strings.TrimSpace(token)
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "api_key", key
	}
	if key := strings.TrimSpace(r.URL.Query().Get("api_key")); key != "" {
		return "api_key", key
	}
	return "", ""
}
