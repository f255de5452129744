// Package tmiapi is a minimal HTTP client for the TMI threat-modeling
// API, covering the one read the collaboration engine needs: fetching an
// authoritative diagram snapshot. The read is idempotent and single-shot;
// retry policy belongs to the resync coordinator, which serializes
// attempts under its single-flight protocol.
package tmiapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/tmeditor/collabengine/internal/diagram"
)

const userAgent = "collabengine/0.1"

// Sentinel errors for API failure classification.
var (
	// ErrNotFound indicates the server has no such diagram.
	ErrNotFound = errors.New("tmiapi: diagram not found")
	// ErrUnauthorized indicates the bearer token was rejected.
	ErrUnauthorized = errors.New("tmiapi: unauthorized")
	// ErrServer indicates a 5xx response.
	ErrServer = errors.New("tmiapi: server error")
)

// APIError carries the HTTP status and response body of a failed request.
// It wraps one of the sentinel errors for errors.Is classification.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("tmiapi: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the sentinel error for errors.Is matching.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Client is an HTTP client for the TMI API. It handles request
// construction, bearer authentication, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      oauth2.TokenSource
	logger     *slog.Logger
}

// NewClient creates a TMI API client. baseURL is the server root, e.g.
// "https://tmi.example.com/api".
func NewClient(baseURL string, httpClient *http.Client, token oauth2.TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// GetDiagramSnapshot fetches the authoritative cell set and update
// vector for a diagram. Returns (nil, nil) when the server reports
// not-found, matching the resync coordinator's fetcher contract; all
// other failures return an error.
func (c *Client) GetDiagramSnapshot(ctx context.Context, threatModelID, diagramID string) (*diagram.Snapshot, error) {
	path := fmt.Sprintf("/threat_models/%s/diagrams/%s",
		url.PathEscape(threatModelID), url.PathEscape(diagramID))

	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug("diagram not found",
				slog.String("diagram_id", diagramID),
			)

			return nil, nil
		}

		return nil, err
	}
	defer resp.Body.Close()

	var snap diagram.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("tmiapi: decoding snapshot: %w", err)
	}

	c.logger.Debug("snapshot fetched",
		slog.String("diagram_id", diagramID),
		slog.Int("cells", len(snap.Cells)),
		slog.Bool("has_update_vector", snap.UpdateVector != nil),
	)

	return &snap, nil
}

// do executes a single request against the API. The caller is
// responsible for closing the response body on success.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("tmiapi: creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("tmiapi: obtaining token: %w", err)
	}

	tok.SetAuthHeader(req)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tmiapi: %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(body),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// classifyStatus maps an HTTP status to a sentinel error.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status >= http.StatusInternalServerError:
		return ErrServer
	default:
		return fmt.Errorf("tmiapi: unexpected status %d", status)
	}
}
