package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// registeredClaims are the claim names consumed by validation itself and
// excluded from the Session pass-through.
var registeredClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {},
	"nbf": {}, "iat": {}, "jti": {}, "scope": {},
}

// ValidatedClaims is the immutable result of a successful token validation.
type ValidatedClaims struct {
	// Subject is the authenticated user identifier.
	Subject string
	// Issuer is the token issuer, already matched against configuration.
	Issuer string
	// Audience holds the token's audience values.
	Audience []string
	// ExpiresAt is the token expiry instant.
	ExpiresAt time.Time
	// Scopes is the normalized scope set.
	Scopes ScopeSet
	// Session carries provider-specific claims (session, tenant and
	// organization metadata) as an opaque mapping for downstream
	// authorization decisions.
	Session map[string]any
}

func newValidatedClaims(claims jwt.MapClaims, scopes ScopeSet) *ValidatedClaims {
	vc := &ValidatedClaims{
		Scopes:  scopes,
		Session: make(map[string]any),
	}

	vc.Subject, _ = claims["sub"].(string)
	vc.Issuer, _ = claims["iss"].(string)

	if aud, err := claims.GetAudience(); err == nil {
		vc.Audience = append([]string(nil), aud...)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		vc.ExpiresAt = exp.Time
	}

	for name, value := range claims {
		if _, ok := registeredClaims[name]; ok {
			continue
		}
		vc.Session[name] = value
	}

	return vc
}
