package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofhir/fhir/r4"
	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint matches the conventional local HAPI FHIR base URL.
	DefaultEndpoint = "http://localhost:8080/fhir"

	// defaultRateLimit caps requests per second against the server.
	// Terminology servers reindex on every write; hammering them helps nobody.
	defaultRateLimit = 10

	userAgent = "termpush/0.1"
)

// Authorizer applies an Authorization header to an outgoing request.
// Apply reports false when no usable credential can be produced (an expired
// refresh token, for example); the caller must re-authorize before retrying.
// The auth package provides the implementations.
type Authorizer interface {
	Apply(req *http.Request) bool
}

// Client is an HTTP client for a FHIR terminology server. It owns header
// conventions, authorization application, rate limiting, and error
// classification. It does not retry: failed uploads are an operator decision,
// not a backoff loop.
type Client struct {
	endpoint   string
	httpClient *http.Client
	auth       Authorizer
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRateLimit overrides the default request rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// NewClient creates a terminology server client. endpoint is the FHIR base
// URL; a trailing slash is trimmed. auth may be nil for open servers.
func NewClient(endpoint string, httpClient *http.Client, auth Authorizer, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
		auth:       auth,
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint returns the FHIR base URL without a trailing slash.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// CollectionURL returns the type-level endpoint for a resource kind,
// the POST target when the server assigns the id.
func (c *Client) CollectionURL(kind Kind) string {
	return c.endpoint + "/" + kind.String()
}

// ResourceURL returns the instance-level endpoint for a resource.
func (c *Client) ResourceURL(kind Kind, id string) string {
	return c.endpoint + "/" + kind.String() + "/" + id
}

// Do executes a single HTTP exchange against the server. Every request
// carries Accept: application/json; body-bearing requests add Content-Type.
// Non-2xx responses are returned as a *ServerError with the
// OperationOutcome issues extracted. Returns ErrReauthRequired when the
// authorizer cannot produce a credential.
//
// The caller owns the response body on success.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fhir: rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("fhir: creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil && !c.auth.Apply(req) {
		return nil, ErrReauthRequired
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fhir: %s %s: %w", method, url, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	srvErr := &ServerError{
		StatusCode: resp.StatusCode,
		Issues:     operationOutcomeIssues(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}
	if len(srvErr.Issues) == 0 {
		srvErr.RawBody = string(errBody)
	}

	c.logger.Warn("request failed",
		slog.String("method", method),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
	)

	return nil, srvErr
}

// operationOutcomeIssues extracts human-readable issue details from an
// OperationOutcome body. Returns nil when the body is not an
// OperationOutcome; the caller falls back to the raw text.
func operationOutcomeIssues(body []byte) []string {
	var outcome r4.OperationOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return nil
	}

	var issues []string

	for i := range outcome.Issue {
		if detail := renderIssue(&outcome.Issue[i]); detail != "" {
			issues = append(issues, detail)
		}
	}

	return issues
}

// renderIssue flattens one OperationOutcome issue into a display string,
// preferring details.text, then coding displays, then diagnostics.
func renderIssue(issue *r4.OperationOutcomeIssue) string {
	if issue.Details != nil {
		if issue.Details.Text != nil && *issue.Details.Text != "" {
			return *issue.Details.Text
		}

		for i := range issue.Details.Coding {
			coding := &issue.Details.Coding[i]
			if coding.Display != nil && *coding.Display != "" {
				return *coding.Display
			}

			if coding.Code != nil && *coding.Code != "" {
				return *coding.Code
			}
		}
	}

	if issue.Diagnostics != nil {
		return *issue.Diagnostics
	}

	return ""
}
