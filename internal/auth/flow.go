package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// callbackResult carries the authorization code or error from the callback
// handler.
type callbackResult struct {
	code string
	err  error
}

// Authorize runs the interactive authorization code grant:
//  1. Binds a localhost HTTP server on the configured redirect address
//  2. Opens the browser to the authorization endpoint (PKCE when enabled)
//  3. Receives the callback with the authorization code
//  4. Exchanges the code for a token pair at the token endpoint
//
// The exchange is performed directly against the token endpoint rather than
// through oauth2.Config.Exchange so the refresh_expires_in lifetime is
// captured; oauth2.Token does not carry it.
//
// openURL launches the browser; on error the URL is printed to stderr so the
// user can open it manually.
func (m *Manager) Authorize(ctx context.Context, openURL func(string) error) error {
	redirect, err := url.Parse(m.endpoints.RedirectURL)
	if err != nil {
		return fmt.Errorf("auth: parsing redirect URL: %w", err)
	}

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, err := m.startCallbackServer(ctx, redirect, mux, resultCh)
	if err != nil {
		return err
	}

	defer m.shutdownCallbackServer(srv)

	cfg := &oauth2.Config{
		ClientID:     m.endpoints.ClientID,
		ClientSecret: m.endpoints.ClientSecret,
		RedirectURL:  m.endpoints.RedirectURL,
		Scopes:       m.endpoints.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  m.endpoints.AuthorizeURL,
			TokenURL: m.endpoints.TokenURL,
		},
	}

	state, err := generateState()
	if err != nil {
		return fmt.Errorf("auth: generating state token: %w", err)
	}

	registerCallbackHandler(mux, redirect.Path, state, resultCh)

	var verifier string

	authOpts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if m.endpoints.PKCE {
		verifier = oauth2.GenerateVerifier()
		authOpts = append(authOpts, oauth2.S256ChallengeOption(verifier))
	}

	authURL := cfg.AuthCodeURL(state, authOpts...)

	m.launchBrowser(authURL, openURL)

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return err
	}

	return m.exchangeCode(ctx, code, verifier)
}

// exchangeCode trades the authorization code for a token pair.
func (m *Manager) exchangeCode(ctx context.Context, code, verifier string) error {
	m.logger.Info("received authorization code, exchanging for token")

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {m.endpoints.RedirectURL},
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}

	tr, err := m.tokenRequest(ctx, form)
	if err != nil {
		return err
	}

	m.adopt(tr)

	m.logger.Info("authorization successful",
		slog.Time("access_expiry", m.cred.AccessExpiry()),
		slog.Time("refresh_expiry", m.cred.RefreshExpiry()),
	)

	return nil
}

// startCallbackServer binds the redirect URL's host:port and starts an HTTP
// server with the given mux.
func (m *Manager) startCallbackServer(
	ctx context.Context,
	redirect *url.URL,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
) (*http.Server, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("auth: binding callback listener on %s: %w", redirect.Host, err)
	}

	m.logger.Info("callback server listening", slog.String("addr", redirect.Host))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- callbackResult{err: fmt.Errorf("auth: callback server error: %w", serveErr)}
		}
	}()

	return srv, nil
}

// registerCallbackHandler adds the callback route to the mux. Must be
// registered before the browser redirects back.
func registerCallbackHandler(mux *http.ServeMux, path, state string, resultCh chan<- callbackResult) {
	if path == "" {
		path = "/"
	}

	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		handleCallback(w, r, state, resultCh)
	})
}

// handleCallback validates the state, extracts the code, and delivers the
// result.
func handleCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	// Validate state to prevent CSRF.
	if r.URL.Query().Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("%w: state mismatch (possible CSRF)", ErrAuth)}

		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("%w: %s: %s", ErrAuth, errParam, desc)}

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		resultCh <- callbackResult{err: fmt.Errorf("%w: callback missing authorization code", ErrAuth)}

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authorization successful</h1>"+
		"<p>You can close this window and return to the terminal.</p></body></html>")
	resultCh <- callbackResult{code: code}
}

// shutdownCallbackServer gracefully shuts down the callback HTTP server.
func (m *Manager) shutdownCallbackServer(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser attempts to open the auth URL. If it fails, prints the URL
// to stderr as a fallback so the user can copy-paste it.
func (m *Manager) launchBrowser(authURL string, openURL func(string) error) {
	m.logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		m.logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}

// waitForCallback blocks until the callback fires or the context is canceled.
func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("auth: authorization canceled: %w", ctx.Err())
	}
}

// generateState produces a cryptographically random hex string for the
// OAuth2 state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
