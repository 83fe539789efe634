package auth

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"
)

// Static is an Authorizer with a fixed credential, for servers using plain
// Bearer or Basic authentication. Apply never fails.
type Static struct {
	Scheme     string // "Bearer" or "Basic"
	Credential string
}

// Apply sets the fixed Authorization header.
func (s *Static) Apply(req *http.Request) bool {
	req.Header.Set("Authorization", s.Scheme+" "+s.Credential)

	return true
}

// httpTimeout bounds every request; a hung terminology server should not
// block the batch forever.
const httpTimeout = 30 * time.Second

// NewHTTPClient builds the HTTP client shared by the terminology client and
// the token endpoint. certFile, when non-empty, is a combined PEM file with
// the mutual-TLS client certificate and key.
func NewHTTPClient(certFile string) (*http.Client, error) {
	client := &http.Client{Timeout: httpTimeout}

	if certFile == "" {
		return client, nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, certFile)
	if err != nil {
		return nil, fmt.Errorf("auth: loading client certificate %s: %w", certFile, err)
	}

	client.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}

	return client, nil
}
