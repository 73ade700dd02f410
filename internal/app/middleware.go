package app

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/krinkuto11/acefleet/internal/core/domain"
)

// requireToken guards privileged endpoints with the configured bearer token.
// No token configured means privileged endpoints are refused outright.
func (a *Application) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := a.cfg.Get().Auth.APIToken
		if token == "" {
			writeError(w, domain.NewError(domain.CodeConfiguration,
				"no api token configured; privileged endpoints disabled"))
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "unauthorized", "message": "invalid bearer token"},
			})
			return
		}
		next(w, r)
	}
}

// writeError maps an error onto the wire taxonomy
func writeError(w http.ResponseWriter, err error) {
	oe := domain.AsOrchestratorError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oe.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{"error": oe})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if comma := strings.Index(fwd, ","); comma > 0 {
			return strings.TrimSpace(fwd[:comma])
		}
		return fwd
	}
	host := r.RemoteAddr
	if colon := strings.LastIndex(host, ":"); colon > 0 {
		host = host[:colon]
	}
	return host
}
