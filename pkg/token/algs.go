package token

import "strings"

// DefaultAllowedAlgorithms is the asymmetric signing algorithm allow-list
// applied when no explicit configuration is given.
var DefaultAllowedAlgorithms = []string{
	"PS256", "PS384", "PS512", // RSASSA-PSS
	"RS256", "RS384", "RS512", // RSASSA-PKCS1-v1_5
	"ES256", "ES384", "ES512", // ECDSA
}

// filterSymmetric strips HMAC algorithms from an allow-list. The provider
// publishes only public keys, and accepting a shared-secret algorithm would
// let anyone holding the JWKS document mint passing tokens.
func filterSymmetric(algs []string) []string {
	out := make([]string, 0, len(algs))
	for _, alg := range algs {
		if strings.HasPrefix(alg, "HS") {
			continue
		}
		out = append(out, alg)
	}
	return out
}

func algAllowed(alg string, allowed []string) bool {
	for _, a := range allowed {
		if a == alg {
			return true
		}
	}
	return false
}
