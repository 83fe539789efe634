// Package auth owns the OAuth2 credential used against the terminology
// server: it tracks token expiry, refreshes the token pair when needed, and
// applies the bearer header to outgoing requests. It also provides static
// Bearer/Basic authorization for servers without OAuth2.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth marks authorization failures: a token endpoint error response, a
// malformed token payload, or an expired refresh token. The batch pauses for
// interactive re-authorization when it sees one; resources are never
// silently dropped.
var ErrAuth = errors.New("auth: authorization failed")

// DefaultRefreshTolerance is the fraction of remaining refresh-token
// lifetime at or below which a proactive refresh is triggered.
const DefaultRefreshTolerance = 0.2

// Credential is one OAuth2 access/refresh token pair with its lifetimes.
// It lives only for the process; nothing is persisted.
type Credential struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// AccessExpiry returns the wall-clock time the access token expires.
func (c *Credential) AccessExpiry() time.Time {
	return c.IssuedAt.Add(c.AccessTTL)
}

// RefreshExpiry returns the wall-clock time the refresh token expires.
func (c *Credential) RefreshExpiry() time.Time {
	return c.IssuedAt.Add(c.RefreshTTL)
}

// Endpoints identifies the OAuth2 server and client registration.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	PKCE         bool
	Scopes       []string
}

// Manager is the token lifecycle manager. It exclusively owns the
// credential; no other component writes the session's authorization state.
type Manager struct {
	endpoints  Endpoints
	httpClient *http.Client
	logger     *slog.Logger
	cred       *Credential
	tolerance  float64

	// now is replaceable in tests to drive expiry deterministically.
	now func() time.Time
}

// NewManager creates a Manager for the given OAuth2 endpoints. The supplied
// HTTP client carries any mutual-TLS client certificate; token endpoint
// requests go through it.
func NewManager(endpoints Endpoints, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		endpoints:  endpoints,
		httpClient: httpClient,
		logger:     logger,
		tolerance:  DefaultRefreshTolerance,
		now:        time.Now,
	}
}

// Credential returns the current credential, or nil before authorization.
func (m *Manager) Credential() *Credential {
	return m.cred
}

// NeedsRefresh reports whether the credential must be refreshed before the
// next request: the access token has expired, or the remaining refresh-token
// lifetime has decayed to the tolerance fraction or below.
func (m *Manager) NeedsRefresh() bool {
	if m.cred == nil {
		return true
	}

	now := m.now()
	if now.After(m.cred.AccessExpiry()) {
		return true
	}

	if m.cred.RefreshTTL > 0 {
		remaining := m.cred.RefreshExpiry().Sub(now)
		if float64(remaining) <= float64(m.cred.RefreshTTL)*m.tolerance {
			return true
		}
	}

	return false
}

// CanRefresh reports whether a refresh token exists and has not expired.
func (m *Manager) CanRefresh() bool {
	if m.cred == nil || m.cred.RefreshToken == "" {
		return false
	}

	return m.now().Before(m.cred.RefreshExpiry())
}

// Refresh exchanges the refresh token for a new token pair. A token endpoint
// response carrying an error field fails with ErrAuth; the caller must
// re-run the interactive authorization flow. The process keeps running.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.cred == nil || m.cred.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrAuth)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.cred.RefreshToken},
	}

	tr, err := m.tokenRequest(ctx, form)
	if err != nil {
		return err
	}

	m.adopt(tr)

	m.logger.Info("token refreshed",
		slog.Time("access_expiry", m.cred.AccessExpiry()),
		slog.Time("refresh_expiry", m.cred.RefreshExpiry()),
	)

	return nil
}

// Apply sets the Authorization header on req, refreshing the token pair
// first when needed. Returns false when a refresh is required but not
// possible (or fails); the caller must obtain a brand-new authorization
// grant before retrying.
func (m *Manager) Apply(req *http.Request) bool {
	if m.NeedsRefresh() {
		if !m.CanRefresh() {
			m.logger.Warn("credential expired and cannot be refreshed")

			return false
		}

		if err := m.Refresh(req.Context()); err != nil {
			m.logger.Warn("token refresh failed", slog.String("error", err.Error()))

			return false
		}
	}

	req.Header.Set("Authorization", "Bearer "+m.cred.AccessToken)

	return true
}

// tokenResponse is the token endpoint's JSON payload. An error field makes
// the whole exchange a hard failure regardless of status code.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// tokenRequest POSTs the form to the token endpoint with HTTP Basic client
// authentication and parses the response. Shared by Refresh and the
// authorization code exchange.
func (m *Manager) tokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(m.endpoints.ClientID, m.endpoints.ClientSecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: token endpoint request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: reading token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: malformed token response: %v", ErrAuth, err)
	}

	if tr.Error != "" {
		return nil, fmt.Errorf("%w: token endpoint returned %q: %s", ErrAuth, tr.Error, tr.ErrorDescription)
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrAuth)
	}

	return &tr, nil
}

// adopt replaces the credential with the token endpoint's response.
// When expires_in is absent, the access token's JWT exp claim is used as a
// fallback; the server's explicit lifetime always wins when present.
func (m *Manager) adopt(tr *tokenResponse) {
	now := m.now()

	accessTTL := time.Duration(tr.ExpiresIn) * time.Second
	if accessTTL <= 0 {
		if exp, ok := jwtExpiry(tr.AccessToken); ok {
			accessTTL = exp.Sub(now)
		}
	}

	m.cred = &Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IssuedAt:     now,
		AccessTTL:    accessTTL,
		RefreshTTL:   time.Duration(tr.RefreshExpiresIn) * time.Second,
	}
}

// jwtExpiry extracts the exp claim from a JWT access token without
// verifying the signature. The token server stays authoritative; this is
// only an expiry hint for servers that omit expires_in.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}

	return exp.Time, true
}
