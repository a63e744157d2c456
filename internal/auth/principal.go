package auth

// Principal is the authenticated identity attached to a request. It is
// produced once by the validator and read-only downstream.
type Principal struct {
	Subject     string         `json:"subject"`
	Name        string         `json:"name,omitempty"`
	TenantID    string         `json:"tenantId,omitempty"`
	AuthType    string         `json:"authType"`
	Roles       []string       `json:"roles,omitempty"`
	Scopes      []string       `json:"scopes,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Claims      map[string]any `json:"claims,omitempty"`
}

// Auth types stamped on principals.
const (
	AuthTypeJWT    = "jwt"
	AuthTypeAPIKey = "api_key"
)

// ClientID returns the identifier rate limiting should key on: the subject
// when present, otherwise the client_id claim.
func (p *Principal) ClientID() string {
	if p == nil {
		return ""
	}
	if p.Subject != "" {
		return p.Subject
	}
	if id, ok := p.Claims["client_id"].(string); ok {
		return id
	}
	return ""
}

// HasScope reports whether the principal carries the named scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Result is the outcome of a credential validation.
type Result struct {
	OK        bool
	Principal *Principal
	Code      string
	Message   string
}

// Machine-readable validation error codes.
const (
	CodeInvalidTokenFormat = "INVALID_TOKEN_FORMAT"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenRevoked       = "TOKEN_REVOKED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeInactiveAPIKey     = "INACTIVE_API_KEY"
	CodeExpiredAPIKey      = "EXPIRED_API_KEY"
	CodeValidationError    = "VALIDATION_ERROR"
)

func failure(code, message string) Result {
	return Result{Code: code, Message: message}
}

func success(p *Principal) Result {
	return Result{OK: true, Principal: p}
}
