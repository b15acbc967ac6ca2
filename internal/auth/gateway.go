package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/metrics"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
)

// Verifier turns a raw credential into a Principal.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*models.Principal, error)
}

// Outcome is the terminal state of one authentication attempt.
type Outcome int

const (
	Unauthorized Outcome = iota
	Authorized
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Authorized:
		return "authorized"
	case Unavailable:
		return "unavailable"
	default:
		return "unauthorized"
	}
}

// Decision is the gateway's result. Principal is set only when Outcome
// is Authorized. Err carries internal detail for logging and must not
// be shown to callers.
type Decision struct {
	Outcome   Outcome
	Kind      CredentialKind
	Principal *models.Principal
	Err       error
}

// Gateway classifies a Bearer credential and routes it to the matching
// verifier. It fails closed: anything other than a clean verification
// is Unauthorized, except a dependency outage which is Unavailable.
type Gateway struct {
	signed  Verifier
	opaque  Verifier
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// GatewayConfig holds the gateway's collaborators.
type GatewayConfig struct {
	Signed  Verifier
	Opaque  Verifier
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewGateway creates a Gateway. Timeout bounds each verification.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Gateway{
		signed:  cfg.Signed,
		opaque:  cfg.Opaque,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Authenticate runs one request through Classified and Verifying to a
// terminal outcome.
func (g *Gateway) Authenticate(ctx context.Context, raw string) (d Decision) {
	cred := Classify(raw)
	d.Kind = cred.Kind()

	verifier, want := g.signed, models.MethodOAuth
	if cred.Kind() == KindOpaqueKey {
		verifier, want = g.opaque, models.MethodAPIKey
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("gateway: verifier panicked",
				slog.String("method", cred.Kind().String()),
				slog.Any("panic", r),
			)

			d = Decision{
				Outcome: Unauthorized,
				Kind:    cred.Kind(),
				Err:     fmt.Errorf("%w: verifier panic", errs.ErrUnauthorized),
			}
		}

		g.metrics.AuthDecision(cred.Kind().String(), d.Outcome.String())
	}()

	p, err := verifier.Verify(ctx, cred.raw)

	switch {
	case err == nil && p != nil && p.Subject != "" && p.Method == want:
		d.Outcome = Authorized
		d.Principal = p
	case err == nil:
		d.Outcome = Unauthorized
		d.Err = fmt.Errorf("%w: verifier returned no usable principal", errs.ErrUnauthorized)
	case errors.Is(err, errs.ErrVerifierUnavailable):
		d.Outcome = Unavailable
		d.Err = err
	default:
		d.Outcome = Unauthorized
		d.Err = err
	}

	return d
}
