// Package mcpserver registers the MCP tools that expose GDELT queries.
// Every tool acts as the principal the HTTP gateway authenticated; the
// principal reaches handlers through the SDK's token info.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alexjbarnes/gdelt-mcp/internal/auth"
	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/alexjbarnes/gdelt-mcp/internal/query"
	"github.com/alexjbarnes/gdelt-mcp/internal/usage"
	mcpauth "github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	principalKey = "principal"

	// keyTokenLifetime is the expiry reported to the SDK for API keys
	// without one. Keys are re-verified on every HTTP request.
	keyTokenLifetime = 5 * time.Minute

	usageWindow = 30 * 24 * time.Hour
)

// Runner executes a query as a principal.
type Runner interface {
	Run(ctx context.Context, p *models.Principal, in query.Input) (*query.Output, error)
}

// UsageSummarizer reports a subject's recent usage.
type UsageSummarizer interface {
	SummaryBySubject(ctx context.Context, subject string, since time.Time) ([]usage.Summary, error)
}

// IdentifyFunc returns the principal for a tool call, or nil.
type IdentifyFunc func(req *mcp.CallToolRequest) *models.Principal

// Deps holds what the tools need. Usage may be nil, in which case the
// usage tool is not registered. Identify defaults to PrincipalFromRequest.
type Deps struct {
	Runner   Runner
	Usage    UsageSummarizer
	Identify IdentifyFunc
	Now      func() time.Time
}

// RegisterTools adds the GDELT tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	if d.Identify == nil {
		d.Identify = PrincipalFromRequest
	}

	if d.Now == nil {
		d.Now = time.Now
	}

	mcp.AddTool(server, &mcp.Tool{
		Name: "query_gdelt",
		Description: "Run a read-only ClickHouse SQL query against the GDELT events and GKG tables. " +
			"Results are returned as rows in the requested format (default JSONEachRow). " +
			"Always include a LIMIT and a date filter to keep queries fast.",
	}, queryHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "whoami",
		Description: "Show the identity this session is authenticated as, how it authenticated, and the usage source its queries are attributed to.",
	}, whoamiHandler(d))

	if d.Usage != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "usage_summary",
			Description: "Summarize your queries over the last 30 days, grouped by usage source.",
		}, usageHandler(d))
	}
}

// TokenVerifier bridges the gateway middleware to the SDK's bearer
// token check. The gateway has already authenticated the request, so
// this only hands its principal to the SDK; it never re-verifies.
func TokenVerifier(_ context.Context, _ string, r *http.Request) (*mcpauth.TokenInfo, error) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		return nil, mcpauth.ErrInvalidToken
	}

	exp := p.ExpiresAt
	if exp.IsZero() {
		exp = time.Now().Add(keyTokenLifetime)
	}

	return &mcpauth.TokenInfo{
		Expiration: exp,
		Extra:      map[string]any{principalKey: p},
	}, nil
}

// PrincipalFromRequest returns the principal carried by the request's
// token info.
func PrincipalFromRequest(req *mcp.CallToolRequest) *models.Principal {
	if req == nil || req.Extra == nil || req.Extra.TokenInfo == nil {
		return nil
	}

	p, _ := req.Extra.TokenInfo.Extra[principalKey].(*models.Principal)

	return p
}

// --- Input and output types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// QueryInput holds parameters for query_gdelt.
type QueryInput struct {
	Query  string `json:"query" jsonschema:"required,ClickHouse SQL SELECT statement"`
	Format string `json:"format,omitempty" jsonschema:"ClickHouse output format, defaults to JSONEachRow"`
	Source string `json:"source,omitempty" jsonschema:"usage attribution override: app, api or mcp"`
}

// QueryResult is the query_gdelt output.
type QueryResult struct {
	RequestID     string   `json:"request_id"`
	Source        string   `json:"source"`
	RowCount      *int     `json:"row_count,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	Data          any      `json:"data"`
}

// WhoamiInput has no parameters.
type WhoamiInput struct{}

// WhoamiResult is the whoami output.
type WhoamiResult struct {
	Subject       string `json:"subject"`
	Method        string `json:"method"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
	Tier          string `json:"tier,omitempty"`
	DefaultSource string `json:"default_source"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// UsageInput has no parameters.
type UsageInput struct{}

// UsageRow is one source's totals.
type UsageRow struct {
	Source   string `json:"source"`
	Queries  int    `json:"queries"`
	Failures int    `json:"failures"`
	Rows     int64  `json:"rows"`
}

// UsageResult is the usage_summary output.
type UsageResult struct {
	Since   string     `json:"since"`
	Sources []UsageRow `json:"sources"`
}

// --- Handlers ---

func queryHandler(d Deps) mcp.ToolHandlerFor[QueryInput, *QueryResult] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input QueryInput) (*mcp.CallToolResult, *QueryResult, error) {
		p := d.Identify(req)
		if p == nil {
			return nil, nil, toolError(errs.ErrUnauthorized)
		}

		out, err := d.Runner.Run(ctx, p, query.Input{Query: input.Query, Format: input.Format, Source: input.Source})
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &QueryResult{
			RequestID:     out.RequestID,
			Source:        string(out.Source),
			RowCount:      out.Result.RowCount,
			ExecutionTime: out.Result.ExecutionTime,
			Data:          decodeData(out.Result.Data),
		}

		return textResult(result), result, nil
	}
}

func whoamiHandler(d Deps) mcp.ToolHandlerFor[WhoamiInput, *WhoamiResult] {
	return func(_ context.Context, req *mcp.CallToolRequest, _ WhoamiInput) (*mcp.CallToolResult, *WhoamiResult, error) {
		p := d.Identify(req)
		if p == nil {
			return nil, nil, toolError(errs.ErrUnauthorized)
		}

		result := &WhoamiResult{
			Subject:       p.Subject,
			Method:        string(p.Method),
			KeyPrefix:     p.KeyPrefix,
			Tier:          p.Tier,
			DefaultSource: string(usage.DefaultSource(p.Method)),
		}

		if !p.ExpiresAt.IsZero() {
			result.ExpiresAt = p.ExpiresAt.UTC().Format(time.RFC3339)
		}

		return textResult(result), result, nil
	}
}

func usageHandler(d Deps) mcp.ToolHandlerFor[UsageInput, *UsageResult] {
	return func(ctx context.Context, req *mcp.CallToolRequest, _ UsageInput) (*mcp.CallToolResult, *UsageResult, error) {
		p := d.Identify(req)
		if p == nil {
			return nil, nil, toolError(errs.ErrUnauthorized)
		}

		since := d.Now().Add(-usageWindow)

		sums, err := d.Usage.SummaryBySubject(ctx, p.Subject, since)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &UsageResult{Since: since.UTC().Format(time.RFC3339), Sources: []UsageRow{}}
		for _, s := range sums {
			result.Sources = append(result.Sources, UsageRow{
				Source:   string(s.Source),
				Queries:  s.Queries,
				Failures: s.Failures,
				Rows:     s.Rows,
			})
		}

		return textResult(result), result, nil
	}
}

// toolError maps internal errors to messages safe to show a client.
// Authentication detail and internal failures are never exposed.
func toolError(err error) error {
	if ee, ok := errs.AsExecutorError(err); ok {
		if ee.IsClient() {
			return fmt.Errorf("query rejected: %s", ee.Message)
		}

		return fmt.Errorf("query executor error: %s", ee.Message)
	}

	switch {
	case errors.Is(err, errs.ErrInvalidSource), errors.Is(err, errs.ErrInvalidQuery):
		return err
	case errors.Is(err, errs.ErrUnauthorized):
		return errors.New("authentication required")
	default:
		return errors.New("internal error")
	}
}

// decodeData turns raw executor rows into a value. Non-JSON formats
// (CSV, TSV) are returned as a string.
func decodeData(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}

	return v
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
