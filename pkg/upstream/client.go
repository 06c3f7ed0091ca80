// Copyright © 2025 Basic Machines
//
// SPDX-License-Identifier: MIT

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	autherrors "github.com/basicmachines-co/memoryguard/pkg/errors"
	"github.com/basicmachines-co/memoryguard/pkg/logging"
)

const (
	authorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	registrationPath                = "/api/oauth/register"
	requestTimeout                  = 10 * time.Second
	maxResponseBody                 = 1 << 20
)

// Client talks to the external authorization server. The server remains the
// single source of truth for its own configuration; this client fetches and
// forwards, rewriting only the fields the resource server must assert about
// itself.
type Client struct {
	baseURL    string
	resource   string
	audience   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for the authorization server at baseURL.
// resource is this service's canonical URL and audience its token audience;
// both are asserted over any resource-identifying fields in proxied
// documents.
func NewClient(baseURL, resource, audience string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		resource:   resource,
		audience:   audience,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logging.GetLogger("upstream"),
	}
}

// AuthorizationServerMetadata fetches the upstream authorization-server
// metadata document. Provider fields pass through verbatim; resource and
// audience, when present, are overwritten with this service's identity. An
// unreachable upstream is DiscoveryUnavailable — never a stale or fabricated
// document.
func (c *Client) AuthorizationServerMetadata(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+authorizationServerMetadataPath, nil)
	if err != nil {
		return nil, autherrors.Wrap(err, autherrors.KindDiscoveryUnavailable, "building metadata request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("authorization server metadata fetch failed")
		return nil, autherrors.Wrap(err, autherrors.KindDiscoveryUnavailable, "authorization server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("authorization server metadata fetch failed")
		return nil, autherrors.Newf(autherrors.KindDiscoveryUnavailable,
			"authorization server returned status %d", resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&doc); err != nil {
		return nil, autherrors.Wrap(err, autherrors.KindDiscoveryUnavailable, "invalid metadata document")
	}

	if _, ok := doc["resource"]; ok {
		doc["resource"] = c.resource
	}
	if _, ok := doc["audience"]; ok {
		doc["audience"] = c.audience
	}

	return doc, nil
}

// RegistrationResult carries an upstream registration response for verbatim
// relay, whatever its status.
type RegistrationResult struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// RegisterClient forwards a dynamic client registration payload unmodified
// and returns the upstream response as-is, including error statuses. Only a
// transport-level failure is an error.
func (c *Client) RegisterClient(ctx context.Context, contentType string, body []byte) (*RegistrationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+registrationPath, bytes.NewReader(body))
	if err != nil {
		return nil, autherrors.Wrap(err, autherrors.KindRegistrationUpstreamUnavailable, "building registration request")
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("client registration forward failed")
		return nil, autherrors.Wrap(err, autherrors.KindRegistrationUpstreamUnavailable, "registration endpoint unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, autherrors.Wrap(err, autherrors.KindRegistrationUpstreamUnavailable, "reading registration response")
	}

	return &RegistrationResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}
