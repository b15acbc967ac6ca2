package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
)

const maxAdminBody = 16 << 10

// NewHandler serves key administration for m. Every route requires
// token as a bearer credential; an empty token rejects everything.
func NewHandler(m Manager, token string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /admin/keys", func(w http.ResponseWriter, r *http.Request) {
		keys, err := m.ListKeys(r.Context(), r.URL.Query().Get("subject"))
		if err != nil {
			writeAdminError(w, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, keys)
	})

	mux.HandleFunc("POST /admin/keys", func(w http.ResponseWriter, r *http.Request) {
		var req CreateRequest

		dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON key request")
			return
		}

		resp, err := m.CreateKey(r.Context(), req)
		if err != nil {
			writeAdminError(w, logger, err)
			return
		}

		logger.Info("api key created",
			slog.String("id", resp.APIKey.ID),
			slog.String("subject", resp.APIKey.Subject),
			slog.String("prefix", resp.APIKey.Prefix),
		)

		writeJSON(w, http.StatusCreated, resp)
	})

	mux.HandleFunc("POST /admin/keys/{id}/revoke", func(w http.ResponseWriter, r *http.Request) {
		ak, err := m.RevokeKey(r.Context(), r.PathValue("id"))
		if err != nil {
			writeAdminError(w, logger, err)
			return
		}

		logger.Info("api key revoked",
			slog.String("id", ak.ID),
			slog.String("subject", ak.Subject),
		)

		writeJSON(w, http.StatusOK, ak)
	})

	return requireToken(token, mux)
}

func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid_token", "admin token required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeAdminError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidKeyRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, errs.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "not_found", "api key not found")
	default:
		logger.Error("admin request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
