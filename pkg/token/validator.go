package token

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	autherrors "github.com/basicmachines-co/memoryguard/pkg/errors"
)

// KeyResolver supplies verification keys by key ID. Implementations must be
// safe for concurrent use.
type KeyResolver interface {
	Resolve(ctx context.Context, kid string) (any, error)
}

// Config controls validation policy for bearer tokens.
type Config struct {
	// Issuer is compared against the token's iss claim by exact string
	// equality. It may be a URN-style identifier rather than a URL; it is
	// never parsed or normalized before comparison.
	Issuer string
	// Audience must be the aud claim value, or a member of it when the
	// claim is an array.
	Audience string
	// RequiredScopes must all be present in the token's scope set. Empty
	// disables scope checking entirely; authentication still runs.
	RequiredScopes []string
	// AllowedAlgorithms restricts the token alg header. Symmetric (HS*)
	// entries are discarded. Defaults to DefaultAllowedAlgorithms.
	AllowedAlgorithms []string
	// ClockSkew is the tolerance applied to exp, nbf and iat. Defaults to
	// 60 seconds.
	ClockSkew time.Duration
}

// Validator validates bearer JWTs against a configured issuer, audience and
// scope policy, resolving verification keys through a KeyResolver. It holds
// no per-request state and is safe for concurrent use.
type Validator struct {
	cfg  Config
	keys KeyResolver
}

// NewValidator creates a Validator with the given policy and key source.
func NewValidator(cfg Config, keys KeyResolver) *Validator {
	if len(cfg.AllowedAlgorithms) == 0 {
		cfg.AllowedAlgorithms = DefaultAllowedAlgorithms
	}
	cfg.AllowedAlgorithms = filterSymmetric(cfg.AllowedAlgorithms)
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = 60 * time.Second
	}
	return &Validator{cfg: cfg, keys: keys}
}

// Validate checks a raw bearer token and returns its validated claims.
// Failures are *errors.Error values; the checks run in a fixed order and
// short-circuit on the first failure.
func (v *Validator) Validate(ctx context.Context, raw string) (*ValidatedClaims, error) {
	if err := checkShape(raw); err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, v.keyfunc(ctx)); err != nil {
		return nil, mapParseError(err)
	}

	// Exact string comparison: the issuer may be a bare authority-style
	// identifier, so no URL parsing or normalization may run here.
	if iss, _ := claims["iss"].(string); iss != v.cfg.Issuer {
		return nil, autherrors.New(autherrors.KindIssuerMismatch, "token issuer does not match expected issuer")
	}

	if !audienceMatches(claims["aud"], v.cfg.Audience) {
		return nil, autherrors.New(autherrors.KindAudienceMismatch, "token audience does not include expected audience")
	}

	scopes, err := NormalizeScopes(claims["scope"])
	if err != nil {
		return nil, autherrors.Wrap(err, autherrors.KindMalformedToken, "invalid scope claim")
	}

	if len(v.cfg.RequiredScopes) > 0 {
		if missing := scopes.Missing(v.cfg.RequiredScopes); len(missing) > 0 {
			return nil, autherrors.Newf(autherrors.KindInsufficientScope,
				"token is missing required scopes: %s", strings.Join(missing, " "))
		}
	}

	return newValidatedClaims(claims, scopes), nil
}

// keyfunc enforces the algorithm allow-list and resolves the verification
// key for the token's kid header.
func (v *Validator) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if !algAllowed(alg, v.cfg.AllowedAlgorithms) {
			return nil, autherrors.Newf(autherrors.KindUnsupportedAlgorithm,
				"token signed with disallowed algorithm %s", alg)
		}

		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, autherrors.New(autherrors.KindUnknownSigningKey, "token header has no kid")
		}

		return v.keys.Resolve(ctx, kid)
	}
}

// checkShape rejects tokens that are not three non-empty dot-separated
// segments before any decoding runs.
func checkShape(raw string) error {
	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return autherrors.New(autherrors.KindMalformedToken, "token must have three segments")
	}
	for _, segment := range segments {
		if segment == "" {
			return autherrors.New(autherrors.KindMalformedToken, "token has an empty segment")
		}
	}
	return nil
}

// mapParseError converts golang-jwt parse failures into the error taxonomy.
// Errors produced by the keyfunc or the resolver already carry a kind and
// pass through unchanged.
func mapParseError(err error) error {
	var authErr *autherrors.Error
	if stderrors.As(err, &authErr) {
		return authErr
	}

	switch {
	case stderrors.Is(err, jwt.ErrTokenMalformed):
		return autherrors.Wrap(err, autherrors.KindMalformedToken, "token could not be decoded")
	case stderrors.Is(err, jwt.ErrTokenExpired):
		return autherrors.New(autherrors.KindTokenExpired, "token has expired")
	case stderrors.Is(err, jwt.ErrTokenNotValidYet), stderrors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return autherrors.New(autherrors.KindTokenNotYetValid, "token is not yet valid")
	case stderrors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return autherrors.Wrap(err, autherrors.KindMalformedToken, "token is missing a required claim")
	case stderrors.Is(err, jwt.ErrTokenSignatureInvalid):
		return autherrors.New(autherrors.KindInvalidSignature, "token signature verification failed")
	default:
		return autherrors.Wrap(err, autherrors.KindInvalidSignature, "token verification failed")
	}
}

// audienceMatches checks the aud claim, which may be a single string or an
// array of strings.
func audienceMatches(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}
