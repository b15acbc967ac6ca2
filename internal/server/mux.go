// Package server provides HTTP server construction for gdelt-mcp.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/gdelt-mcp/internal/auth"
	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/mcpserver"
	"github.com/alexjbarnes/gdelt-mcp/internal/query"
	mcpauth "github.com/modelcontextprotocol/go-sdk/auth"
)

const (
	metadataPath = "/.well-known/oauth-protected-resource"

	// maxQueryBody bounds POST /api/query bodies.
	maxQueryBody = query.MaxQueryBytes + 4096

	healthTimeout = 5 * time.Second
)

// HealthChecker checks a downstream dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Gateway       auth.Authenticator
	Runner        mcpserver.Runner
	MCPHandler    http.Handler
	Health        HealthChecker
	Metrics       http.Handler
	Logger        *slog.Logger
	ServerURL     string
	AuthServerURL string
}

// NewMux builds the HTTP mux with protected resource discovery, health,
// metrics, the MCP endpoint and the plain HTTP query endpoint. The MCP
// and query endpoints sit behind the authentication gateway.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	meta := auth.HandleProtectedResourceMetadata(cfg.ServerURL, cfg.AuthServerURL)
	mux.HandleFunc(metadataPath, meta)
	mux.HandleFunc(metadataPath+"/mcp", meta)
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Health, cfg.Logger))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	authMiddleware := auth.Middleware(cfg.Gateway, cfg.Logger, cfg.ServerURL)

	// The SDK's bearer check only picks up the principal the gateway
	// placed on the request so tool handlers can see it.
	bridge := mcpauth.RequireBearerToken(mcpserver.TokenVerifier, &mcpauth.RequireBearerTokenOptions{
		ResourceMetadataURL: cfg.ServerURL + metadataPath,
	})
	mux.Handle("/mcp", authMiddleware(bridge(cfg.MCPHandler)))

	mux.Handle("POST /api/query", authMiddleware(handleQuery(cfg.Runner, cfg.Logger)))

	return mux
}

func handleHealth(hc HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "executor": "ok"}
		code := http.StatusOK

		if hc != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()

			if err := hc.HealthCheck(ctx); err != nil {
				logger.Warn("health: executor unreachable", slog.String("error", err.Error()))

				status["status"] = "degraded"
				status["executor"] = "unreachable"
				code = http.StatusServiceUnavailable
			}
		}

		writeJSON(w, code, status)
	}
}

func handleQuery(runner mcpserver.Runner, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.PrincipalFromContext(r.Context())
		if p == nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "authentication failed")
			return
		}

		var in query.Input

		dec := json.NewDecoder(io.LimitReader(r.Body, maxQueryBody))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object with a query field")
			return
		}

		out, err := runner.Run(r.Context(), p, in)
		if err != nil {
			status, code, msg := queryErrorResponse(err)
			if ee, ok := errs.AsExecutorError(err); ok && ee.RetryAfter != "" {
				w.Header().Set("Retry-After", ee.RetryAfter)
			}

			if status >= http.StatusInternalServerError {
				logger.Error("api query failed",
					slog.String("subject", p.Subject),
					slog.String("error", err.Error()),
				)
			}

			writeError(w, status, code, msg)

			return
		}

		writeJSON(w, http.StatusOK, out)
	}
}

// queryErrorResponse maps a query failure to a status, an error code and
// a message safe to return.
func queryErrorResponse(err error) (int, string, string) {
	if ee, ok := errs.AsExecutorError(err); ok {
		code := "executor_error"
		if ee.IsClient() {
			code = "query_rejected"
		}

		return executorStatus(ee), code, ee.Message
	}

	switch {
	case errors.Is(err, errs.ErrInvalidSource), errors.Is(err, errs.ErrInvalidQuery):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, "invalid_token", "authentication failed"
	default:
		return http.StatusInternalServerError, "server_error", "internal error"
	}
}

// executorStatus passes the executor's own error status through. A 401
// rejected this service's credential, not the caller's, so it becomes
// 502 like transport failures that carry no status at all.
func executorStatus(ee *errs.ExecutorError) int {
	switch {
	case ee.Status == http.StatusUnauthorized:
		return http.StatusBadGateway
	case ee.Status >= 400 && ee.Status < 600:
		return ee.Status
	case ee.IsClient():
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
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
