// Package query runs one authorized query end to end: resolve the
// accounting source, relay to the executor, then record usage.
package query

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/metrics"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/alexjbarnes/gdelt-mcp/internal/relay"
	"github.com/alexjbarnes/gdelt-mcp/internal/usage"
	"github.com/google/uuid"
)

//go:generate mockgen -destination=mock_service_test.go -package=query . Executor,UsageRecorder

const (
	// MaxQueryBytes bounds the SQL text accepted from callers.
	MaxQueryBytes = 64 * 1024

	maxFormatLen = 64

	usageWriteTimeout = 2 * time.Second
)

// Executor forwards a query to the executor as the given principal.
type Executor interface {
	Execute(ctx context.Context, req relay.Request, p *models.Principal, src models.Source, requestID string) (*relay.Result, error)
}

// UsageRecorder persists one accounting row.
type UsageRecorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// Input is a caller's query request.
type Input struct {
	Query  string `json:"query"`
	Format string `json:"format,omitempty"`
	Source string `json:"source,omitempty"`
}

// Output is a completed query.
type Output struct {
	RequestID string        `json:"request_id"`
	Source    models.Source `json:"source"`
	Result    *relay.Result `json:"result"`
}

// Service runs queries for authenticated principals.
type Service struct {
	exec    Executor
	usage   UsageRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service. rec and m may be nil.
func NewService(exec Executor, rec UsageRecorder, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Service{
		exec:    exec,
		usage:   rec,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Run validates in, attributes it and relays it as p. Validation and
// attribution failures never reach the executor and are not recorded
// as usage.
func (s *Service) Run(ctx context.Context, p *models.Principal, in Input) (*Output, error) {
	if p == nil || p.Subject == "" {
		return nil, fmt.Errorf("%w: no principal", errs.ErrUnauthorized)
	}

	if err := validate(in); err != nil {
		return nil, err
	}

	src, err := usage.Attribute(p.Method, in.Source)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	start := s.now()

	res, err := s.exec.Execute(ctx, relay.Request{Query: in.Query, Format: in.Format}, p, src, requestID)
	elapsed := s.now().Sub(start)

	outcome := classify(err)
	s.metrics.Query(string(src), outcome, elapsed)

	log := s.logger.With(
		slog.String("request_id", requestID),
		slog.String("subject", p.Subject),
		slog.String("method", string(p.Method)),
		slog.String("source", string(src)),
		slog.Duration("duration", elapsed),
	)

	if err != nil {
		log.Warn("query failed", slog.String("outcome", outcome), slog.String("error", err.Error()))
	} else {
		log.Info("query completed", slog.Int("rows", res.Rows()))
	}

	s.record(ctx, models.UsageRecord{
		RequestID: requestID,
		Subject:   p.Subject,
		Method:    p.Method,
		Source:    src,
		Outcome:   outcome,
		RowCount:  res.Rows(),
		Duration:  elapsed,
		CreatedAt: start,
	})

	if err != nil {
		return nil, err
	}

	return &Output{RequestID: requestID, Source: src, Result: res}, nil
}

// record writes the usage row on a context detached from the caller so
// a disconnect after the executor answered still gets accounted.
func (s *Service) record(ctx context.Context, rec models.UsageRecord) {
	if s.usage == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageWriteTimeout)
	defer cancel()

	if err := s.usage.Record(ctx, rec); err != nil {
		s.logger.Error("recording usage",
			slog.String("request_id", rec.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

func validate(in Input) error {
	if strings.TrimSpace(in.Query) == "" {
		return fmt.Errorf("%w: query is required", errs.ErrInvalidQuery)
	}

	if len(in.Query) > MaxQueryBytes {
		return fmt.Errorf("%w: query exceeds %d bytes", errs.ErrInvalidQuery, MaxQueryBytes)
	}

	if len(in.Format) > maxFormatLen {
		return fmt.Errorf("%w: format name too long", errs.ErrInvalidQuery)
	}

	return nil
}

func classify(err error) string {
	if err == nil {
		return models.OutcomeSuccess
	}

	if ee, ok := errs.AsExecutorError(err); ok && ee.IsClient() {
		return models.OutcomeClientError
	}

	return models.OutcomeServerError
}
