package service

import (
	"encoding/json"
	"io"
	"net/http"

	autherrors "github.com/basicmachines-co/memoryguard/pkg/errors"
)

const maxRequestBody = 1 << 20

// ProtectedResourceMetadata is the RFC 9728 protected-resource document.
// This is the one document generated locally: it describes the resource
// server itself, not the authorization server.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

func (s *Service) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               s.cfg.ServerURL,
		AuthorizationServers:   []string{s.cfg.AuthServerURL},
		ScopesSupported:        s.cfg.ScopesSupported,
		BearerMethodsSupported: []string{"header"},
		ResourceDocumentation:  "https://github.com/basicmachines-co/basic-memory",
	})
}

func (s *Service) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	doc, err := s.upstream.AuthorizationServerMetadata(r.Context())
	if err != nil {
		autherrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		// The client's request could not be read; nothing upstream failed.
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "failed to read registration request body",
		})
		return
	}

	res, err := s.upstream.RegisterClient(r.Context(), r.Header.Get("Content-Type"), body)
	if err != nil {
		autherrors.WriteJSON(w, err)
		return
	}

	// Relay the upstream response verbatim, status included.
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}
