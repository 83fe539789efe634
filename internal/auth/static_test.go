package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticApply(t *testing.T) {
	tests := []struct {
		scheme     string
		credential string
		want       string
	}{
		{"Bearer", "tok123", "Bearer tok123"},
		{"Basic", "dXNlcjpwYXNz", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.scheme, func(t *testing.T) {
			s := &Static{Scheme: tt.scheme, Credential: tt.credential}
			req := httptest.NewRequest(http.MethodGet, "http://localhost/fhir/metadata", nil)

			assert.True(t, s.Apply(req))
			assert.Equal(t, tt.want, req.Header.Get("Authorization"))
		})
	}
}

func TestNewHTTPClient_NoCert(t *testing.T) {
	client, err := NewHTTPClient("")
	require.NoError(t, err)
	assert.Equal(t, httpTimeout, client.Timeout)
	assert.Nil(t, client.Transport)
}

func TestNewHTTPClient_MissingCertFile(t *testing.T) {
	_, err := NewHTTPClient("/nonexistent/client.pem")
	assert.Error(t, err)
}
