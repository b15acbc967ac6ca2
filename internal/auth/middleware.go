package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// retryAfterSeconds is sent with 503 responses when a verifier
// dependency is down.
const retryAfterSeconds = "5"

// Authenticator decides a raw Bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) Decision
}

// Middleware returns HTTP middleware that runs every request through
// the gateway. Requests without a token get a 401 with the
// WWW-Authenticate header pointing to the protected resource metadata
// URL (RFC 9728 Section 5.1). Rejected credentials get 401 with
// error="invalid_token"; verifier outages get 503 with Retry-After.
// Which check failed is never revealed.
func Middleware(gw Authenticator, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := serverURL + "/.well-known/oauth-protected-resource"
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				writeJSONError(w, http.StatusUnauthorized, "invalid_request", "bearer token required")

				return
			}

			d := gw.Authenticate(r.Context(), token)

			switch d.Outcome {
			case Authorized:
				logger.Debug("middleware: authenticated",
					slog.String("subject", d.Principal.Subject),
					slog.String("method", string(d.Principal.Method)),
					slog.String("ip", ip),
				)

				ctx := WithPrincipal(r.Context(), d.Principal)
				ctx = context.WithValue(ctx, ctxRemoteIP, ip)

				next.ServeHTTP(w, r.WithContext(ctx))

			case Unavailable:
				if r.Context().Err() != nil {
					logger.Debug("middleware: client went away during verification",
						slog.String("method", d.Kind.String()),
						slog.String("ip", ip),
					)

					return
				}

				logger.Error("middleware: verifier unavailable",
					slog.String("method", d.Kind.String()),
					slog.String("ip", ip),
					slog.String("error", errString(d.Err)),
				)
				w.Header().Set("Retry-After", retryAfterSeconds)
				writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "authentication service unavailable, retry later")

			default:
				logger.Info("middleware: credential rejected",
					slog.String("method", d.Kind.String()),
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("reason", errString(d.Err)),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				writeJSONError(w, http.StatusUnauthorized, "invalid_token", "authentication failed")
			}
		})
	}
}

// bearerToken extracts the credential from an Authorization header.
// The scheme is matched case-insensitively (RFC 7235 Section 2.1).
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
