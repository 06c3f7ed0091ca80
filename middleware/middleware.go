package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	autherrors "github.com/basicmachines-co/memoryguard/pkg/errors"
	"github.com/basicmachines-co/memoryguard/pkg/logging"
	"github.com/basicmachines-co/memoryguard/pkg/token"
)

// ContextKey is the key type used to store validated claims in the context.
type ContextKey string

// ClaimsContextKey is the key under which validated claims are stored.
const ClaimsContextKey ContextKey = "auth_claims"

// TokenValidator validates a raw bearer token into claims.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*token.ValidatedClaims, error)
}

// Options configures the authentication middleware.
type Options struct {
	// ResourceMetadataURL is advertised in WWW-Authenticate challenges
	// per RFC 9728 so clients can discover the authorization server.
	ResourceMetadataURL string
}

// Authenticator enforces bearer authentication on every wrapped request.
// A missing or failing token is rejected before the handler runs; validated
// claims are stored in the request context.
func Authenticator(validator TokenValidator, opts *Options) func(http.Handler) http.Handler {
	if opts == nil {
		opts = &Options{}
	}
	logger := logging.GetLogger("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				writeAuthError(w, opts, err)
				return
			}

			claims, err := validator.Validate(r.Context(), raw)
			if err != nil {
				logger.Debug().
					Str("kind", string(autherrors.KindOf(err))).
					Str("path", r.URL.Path).
					Msg("token rejected")
				writeAuthError(w, opts, err)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves validated claims stored by Authenticator.
func ClaimsFromContext(ctx context.Context) (*token.ValidatedClaims, error) {
	claims, ok := ctx.Value(ClaimsContextKey).(*token.ValidatedClaims)
	if !ok {
		return nil, errors.New("claims not found in context")
	}
	return claims, nil
}

// RequireScope creates middleware that rejects requests whose token lacks
// the given scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return RequireScopes(scope)
}

// RequireScopes creates middleware that rejects requests whose token lacks
// any of the given scopes.
func RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := ClaimsFromContext(r.Context())
			if err != nil {
				autherrors.WriteJSON(w, autherrors.New(autherrors.KindMalformedToken, "request is not authenticated"))
				return
			}

			if missing := claims.Scopes.Missing(scopes); len(missing) > 0 {
				autherrors.WriteJSON(w, autherrors.Newf(autherrors.KindInsufficientScope,
					"token is missing required scopes: %s", strings.Join(missing, " ")))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", autherrors.New(autherrors.KindMalformedToken, "missing authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", autherrors.New(autherrors.KindMalformedToken, "authorization header is not a bearer token")
	}

	return parts[1], nil
}

// writeAuthError writes the RFC 6750 challenge header and the structured
// error body.
func writeAuthError(w http.ResponseWriter, opts *Options, err error) {
	challenge := fmt.Sprintf("Bearer error=%q, error_description=%q",
		autherrors.BearerCode(err), autherrors.Message(err))
	if opts.ResourceMetadataURL != "" {
		challenge += fmt.Sprintf(", resource_metadata=%q", opts.ResourceMetadataURL)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	autherrors.WriteJSON(w, err)
}
