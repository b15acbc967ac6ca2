// Package relay forwards authorized queries to the GDELT Cloud query
// executor. It performs no authentication of its own: callers hand it
// a verified principal and a resolved source, which travel with the
// request as metadata.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/tidwall/gjson"
)

// DefaultFormat is the executor output format when the caller names none.
const DefaultFormat = "JSONEachRow"

const (
	executePath = "/api/query/execute"
	healthPath  = "/api/health"

	// Metadata headers attached to every forwarded query.
	HeaderSubject   = "X-GDELT-Subject"
	HeaderMethod    = "X-GDELT-Auth-Method"
	HeaderSource    = "X-GDELT-Source"
	HeaderRequestID = "X-Request-ID"

	maxRedirects = 10

	defaultTimeout = 30 * time.Second
	healthTimeout  = 5 * time.Second

	// maxResponseBytes caps how much of a result set is read.
	maxResponseBytes = 64 << 20

	timeoutHint = "query timed out; narrow the date range or add more specific filters"
)

// Request is a query as submitted by the caller.
type Request struct {
	Query  string `json:"query"`
	Format string `json:"format,omitempty"`
}

// Result is the executor's response, passed through unchanged. RowCount
// and ExecutionTime are nil when the executor omits them.
type Result struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data"`
	RowCount      *int            `json:"rowCount,omitempty"`
	ExecutionTime *float64        `json:"executionTime,omitempty"`
}

// Rows returns the row count, or 0 when unknown.
func (r *Result) Rows() int {
	if r == nil || r.RowCount == nil {
		return 0
	}

	return *r.RowCount
}

type executeBody struct {
	Query  string        `json:"query"`
	Format string        `json:"format"`
	Source models.Source `json:"source"`
}

// Client talks to the query executor.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only within the executor's
// host so the service credential never leaves it.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 && req.URL.Host != via[0].URL.Host {
		return fmt.Errorf("redirect to different host blocked: %s -> %s", via[0].URL.Host, req.URL.Host)
	}

	return nil
}

// NewClient creates an executor client. token, when set, is sent as the
// service's own Bearer credential; the caller's credential is never
// forwarded. A zero timeout uses 30 seconds.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		},
		baseURL: baseURL,
		token:   token,
	}
}

// Execute forwards req on behalf of p, tagged with src. Failures are
// returned as *errs.ExecutorError classed client or server.
func (c *Client) Execute(ctx context.Context, req Request, p *models.Principal, src models.Source, requestID string) (*Result, error) {
	if p == nil || p.Subject == "" {
		return nil, fmt.Errorf("%w: relay requires an authenticated principal", errs.ErrUnauthorized)
	}

	format := req.Format
	if format == "" {
		format = DefaultFormat
	}

	payload, err := json.Marshal(executeBody{Query: req.Query, Format: format, Source: src})
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+executePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderSubject, p.Subject)
	httpReq.Header.Set(HeaderMethod, string(p.Method))
	httpReq.Header.Set(HeaderSource, string(src))

	if requestID != "" {
		httpReq.Header.Set(HeaderRequestID, requestID)
	}

	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, transportError(err)
	}

	if len(body) > maxResponseBytes {
		return nil, &errs.ExecutorError{
			Class:   errs.ExecutorClient,
			Status:  resp.StatusCode,
			Message: "result too large; add a LIMIT or narrow the query",
			Err:     errs.ErrExecutorResponse,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, resp.Header, body)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &errs.ExecutorError{
			Class:   errs.ExecutorServer,
			Status:  resp.StatusCode,
			Message: "malformed executor response",
			Err:     fmt.Errorf("%w: %w", errs.ErrExecutorResponse, err),
		}
	}

	// Older executors report the row count as "count".
	if result.RowCount == nil {
		if n := gjson.GetBytes(body, "count"); n.Exists() {
			v := int(n.Int())
			result.RowCount = &v
		}
	}

	if !result.Success && gjson.GetBytes(body, "success").Exists() {
		return nil, &errs.ExecutorError{
			Class:   errs.ExecutorClient,
			Status:  resp.StatusCode,
			Message: errorMessage(resp.StatusCode, body),
			Err:     errs.ErrExecutorResponse,
		}
	}

	result.Success = true

	return &result, nil
}

// HealthCheck calls the executor's health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.ErrExecutorRequest, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned HTTP %d", errs.ErrExecutorResponse, resp.StatusCode)
	}

	return nil
}

func transportError(err error) *errs.ExecutorError {
	msg := "executor unreachable"
	if isTimeout(err) {
		msg = timeoutHint
	}

	return &errs.ExecutorError{
		Class:   errs.ExecutorServer,
		Message: msg,
		Err:     fmt.Errorf("%w: %w", errs.ErrExecutorRequest, err),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

// statusError classes a non-200 response. 401 means the executor
// rejected this service's own credential, which the caller cannot fix.
func statusError(status int, header http.Header, body []byte) *errs.ExecutorError {
	class := errs.ExecutorServer
	if status >= 400 && status < 500 && status != http.StatusUnauthorized {
		class = errs.ExecutorClient
	}

	return &errs.ExecutorError{
		Class:      class,
		Status:     status,
		Message:    errorMessage(status, body),
		RetryAfter: header.Get("Retry-After"),
		Err:        errs.ErrExecutorResponse,
	}
}

// errorMessage extracts the executor's "error" field, falling back to
// the status and a sanitized excerpt of the body.
func errorMessage(status int, body []byte) string {
	if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String && msg.Str != "" {
		return sanitizeResponseBody([]byte(msg.Str))
	}

	return fmt.Sprintf("HTTP %d: %s", status, sanitizeResponseBody(body))
}

// sanitizeResponseBody truncates to 256 bytes and replaces invalid
// UTF-8 and control characters so executor text is safe to log.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
