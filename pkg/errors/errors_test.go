package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(KindTokenExpired, "token has expired")
	assert.Equal(t, "[TOKEN_EXPIRED] token has expired", err.Error())

	wrapped := Wrap(stderrors.New("boom"), KindKeyFetchFailed, "jwks fetch failed")
	assert.Equal(t, "[KEY_FETCH_FAILED] jwks fetch failed: boom", wrapped.Error())
	assert.Equal(t, "boom", wrapped.Unwrap().Error())
}

func TestKindOf(t *testing.T) {
	err := Newf(KindIssuerMismatch, "unexpected issuer")
	assert.Equal(t, KindIssuerMismatch, KindOf(err))
	assert.True(t, IsKind(err, KindIssuerMismatch))

	// Kind survives further wrapping by callers.
	outer := fmt.Errorf("validating token: %w", err)
	assert.Equal(t, KindIssuerMismatch, KindOf(outer))

	assert.Equal(t, KindInternal, KindOf(stderrors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindMalformedToken, http.StatusUnauthorized},
		{KindUnsupportedAlgorithm, http.StatusUnauthorized},
		{KindUnknownSigningKey, http.StatusUnauthorized},
		{KindInvalidSignature, http.StatusUnauthorized},
		{KindTokenExpired, http.StatusUnauthorized},
		{KindTokenNotYetValid, http.StatusUnauthorized},
		{KindIssuerMismatch, http.StatusUnauthorized},
		{KindAudienceMismatch, http.StatusUnauthorized},
		{KindKeyFetchFailed, http.StatusUnauthorized},
		{KindInsufficientScope, http.StatusForbidden},
		{KindDiscoveryUnavailable, http.StatusBadGateway},
		{KindRegistrationUpstreamUnavailable, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(New(tt.kind, "x")))
		})
	}
}

func TestBearerCode(t *testing.T) {
	assert.Equal(t, "invalid_token", BearerCode(New(KindTokenExpired, "x")))
	assert.Equal(t, "insufficient_scope", BearerCode(New(KindInsufficientScope, "x")))
	assert.Equal(t, "temporarily_unavailable", BearerCode(New(KindDiscoveryUnavailable, "x")))
}

func TestWriteJSONOmitsCause(t *testing.T) {
	cause := stderrors.New("dial tcp 10.0.0.5:443: connection refused")
	err := Wrap(cause, KindKeyFetchFailed, "key set unavailable")

	rec := httptest.NewRecorder()
	WriteJSON(rec, err)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"invalid_token","error_description":"key set unavailable"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}
