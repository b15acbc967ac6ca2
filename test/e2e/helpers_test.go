package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/gdelt-mcp/internal/auth"
	"github.com/alexjbarnes/gdelt-mcp/internal/bookkeeping"
	"github.com/alexjbarnes/gdelt-mcp/internal/mcpserver"
	"github.com/alexjbarnes/gdelt-mcp/internal/metrics"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/alexjbarnes/gdelt-mcp/internal/query"
	"github.com/alexjbarnes/gdelt-mcp/internal/relay"
	"github.com/alexjbarnes/gdelt-mcp/internal/server"
	"github.com/alexjbarnes/gdelt-mcp/internal/state"
	"github.com/alexjbarnes/gdelt-mcp/internal/testutil"
	"github.com/alexjbarnes/gdelt-mcp/internal/usage"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	signingKID  = "e2e-key"
	testSubject = "user-e2e"
)

// harness holds the full e2e test stack: a real HTTP server wired the
// way the serve command wires it, backed by a fake identity provider,
// a fake executor and on-disk stores in a temp dir.
type harness struct {
	URL      string
	IdP      *testutil.IdP
	Executor *testutil.Executor
	State    *state.State
	Usage    *usage.Store
	Client   *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)
	m := metrics.New()

	idp := testutil.NewIdP(t)
	idp.AddRSAKey(signingKID)

	exec := testutil.NewExecutor(t)

	st, err := state.LoadAt(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	us, err := usage.Open(filepath.Join(dir, "usage.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { us.Close() })

	queue := bookkeeping.New(st, bookkeeping.Options{Logger: logger, Metrics: m})
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		_ = queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	keys := auth.NewKeySetCache(auth.KeySetOptions{
		URL:     idp.JWKSURL(),
		Logger:  logger,
		Metrics: m,
		TTL:     time.Minute,
	})

	gateway := auth.NewGateway(auth.GatewayConfig{
		Signed:  auth.NewSignedTokenVerifier(keys, idp.Issuer(), testutil.Audience),
		Opaque:  auth.NewAPIKeyVerifier(st, queue, func(tier string) bool { return tier == "pro" }),
		Timeout: 2 * time.Second,
		Logger:  logger,
		Metrics: m,
	})

	executor := relay.NewClient(exec.URL(), "svc-token", 2*time.Second)
	svc := query.NewService(executor, us, m, logger)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "gdelt-mcp-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{Runner: svc, Usage: us})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	// The mux needs the server URL, which is fixed once the listener exists.
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Gateway:       gateway,
		Runner:        svc,
		MCPHandler:    mcpHandler,
		Health:        executor,
		Metrics:       m.Handler(),
		Logger:        logger,
		ServerURL:     serverURL,
		AuthServerURL: idp.Issuer(),
	})

	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{
		URL:      ts.URL,
		IdP:      idp,
		Executor: exec,
		State:    st,
		Usage:    us,
		Client:   ts.Client(),
	}
}

// accessToken signs a valid access token for subject.
func (h *harness) accessToken(subject string) string {
	return h.IdP.Sign(signingKID, h.IdP.Claims(subject, time.Hour))
}

// apiKey mints and stores an API key for subject, returning the raw key
// and its record ID.
func (h *harness) apiKey(t *testing.T, subject, tier string) (string, string) {
	t.Helper()

	raw, err := auth.MintAPIKey()
	require.NoError(t, err)

	ak := models.APIKey{
		ID:        uuid.NewString(),
		Subject:   subject,
		Prefix:    auth.DisplayPrefix(raw),
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.State.SaveAPIKey(auth.HashKey(raw), ak))

	return raw, ak.ID
}

// mcpSession connects an MCP client session to the harness using a
// Bearer token, injected by a custom HTTP RoundTripper.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// postQuery calls POST /api/query with an optional Bearer token.
func (h *harness) postQuery(t *testing.T, token string, body any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+"/api/query", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// decodeTool unmarshals the JSON text content of a tool result into v.
func decodeTool(t *testing.T, result *mcp.CallToolResult, v any) {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(tc.Text), v))
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
