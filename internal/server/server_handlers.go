package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/portgate/portgate/internal/domain"
)

const maxRequestBody = 64 * 1024

type generateKeyRequest struct {
	User string `json:"user"`
}

type generateKeyResponse struct {
	Message string `json:"message"`
	APIKey  string `json:"apiKey"`
}

type registerRequest struct {
	APIKey    string `json:"apiKey"`
	LocalPort int    `json:"localPort"`
}

type registerResponse struct {
	Message       string `json:"message"`
	TunnelID      string `json:"tunnelId"`
	PublicAddress string `json:"publicAddress"`
	Region        string `json:"region"`
	StatusPage    string `json:"statusPage"`
}

type stopRequest struct {
	APIKey   string `json:"apiKey"`
	TunnelID string `json:"tunnelId"`
}

type stopResponse struct {
	Message string `json:"message"`
}

type statusResponse struct {
	TunnelID      string `json:"tunnelId"`
	PublicAddress string `json:"publicAddress"`
	LocalPort     int    `json:"localPort"`
	Region        string `json:"region"`
}

func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req generateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.User = strings.TrimSpace(req.User)

	key, err := s.controller.GenerateKey(r.Context(), req.User, s.clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateKeyResponse{
		Message: "api key created",
		APIKey:  key,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.APIKey != "" && !s.limiter.allow(req.APIKey) {
		s.writeError(w, r, domain.ErrRateLimitExceeded)
		return
	}

	desc, err := s.controller.Register(r.Context(), req.APIKey, req.LocalPort)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		Message:       "tunnel registered",
		TunnelID:      desc.TunnelID,
		PublicAddress: desc.PublicAddress,
		Region:        desc.Region,
		StatusPage:    s.statusPageURL(r, desc.TunnelID),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := s.controller.Stop(r.Context(), req.APIKey, strings.TrimSpace(req.TunnelID)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Message: "tunnel stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tunnelID := strings.TrimPrefix(r.URL.Path, "/status/")
	if tunnelID == "" || strings.Contains(tunnelID, "/") {
		http.NotFound(w, r)
		return
	}

	desc, err := s.controller.Status(tunnelID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TunnelID:      desc.TunnelID,
		PublicAddress: desc.PublicAddress,
		LocalPort:     desc.LocalPort,
		Region:        desc.Region,
	})
}

// writeError maps the error taxonomy to HTTP status codes. Nothing here
// is fatal to the process; a failed registration or lookup is terminal
// only for its own request.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func statusForError(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrTunnelNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrPortsExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) statusPageURL(r *http.Request, tunnelID string) string {
	scheme := "http"
	if s.cfg.TLSDomain != "" || r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = s.cfg.PublicHost
	}
	return scheme + "://" + host + "/status/" + tunnelID
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}
