package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
	"github.com/tidwall/gjson"
)

const (
	clientTimeout = 10 * time.Second
	maxClientBody = 4 << 20
	adminKeysPath = "/admin/keys"
	adminPingPath = "/admin/ping"
)

// Client calls a running server's admin endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the admin endpoint at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// Ping reports whether a server is answering with this token. A
// rejected token wraps ErrUnauthorized.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, adminPingPath, nil, nil)
}

// CreateKey implements Manager.
func (c *Client) CreateKey(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	var resp CreateResponse
	if err := c.do(ctx, http.MethodPost, adminKeysPath, req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// ListKeys implements Manager.
func (c *Client) ListKeys(ctx context.Context, subject string) ([]models.APIKey, error) {
	path := adminKeysPath
	if subject != "" {
		path += "?subject=" + url.QueryEscape(subject)
	}

	var keys []models.APIKey
	if err := c.do(ctx, http.MethodGet, path, nil, &keys); err != nil {
		return nil, err
	}

	return keys, nil
}

// RevokeKey implements Manager.
func (c *Client) RevokeKey(ctx context.Context, id string) (*models.APIKey, error) {
	var ak models.APIKey
	if err := c.do(ctx, http.MethodPost, adminKeysPath+"/"+url.PathEscape(id)+"/revoke", nil, &ak); err != nil {
		return nil, err
	}

	return &ak, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxClientBody))
	if err != nil {
		return fmt.Errorf("reading admin response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return responseError(resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding admin response: %w", err)
	}

	return nil
}

func responseError(status int, body []byte) error {
	msg := gjson.GetBytes(body, "error_description").String()
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: admin endpoint rejected the token", errs.ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", errs.ErrKeyNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", errs.ErrInvalidKeyRequest, msg)
	default:
		return fmt.Errorf("admin request failed: %s", msg)
	}
}
