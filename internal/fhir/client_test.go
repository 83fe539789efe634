package fhir

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticAuth always applies a fixed bearer token.
type staticAuth struct {
	token string
}

func (a *staticAuth) Apply(req *http.Request) bool {
	req.Header.Set("Authorization", "Bearer "+a.token)

	return true
}

// failingAuth simulates an authorizer with no usable credential left.
type failingAuth struct{}

func (failingAuth) Apply(*http.Request) bool { return false }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client(), &staticAuth{token: "test-token"}, testLogger())

	return c, srv
}

func TestClientDo_SetsHeaders(t *testing.T) {
	var got http.Header

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})

	resp, err := c.Do(context.Background(), http.MethodPut, c.ResourceURL(KindCodeSystem, "cs1"), []byte(`{}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "Bearer test-token", got.Get("Authorization"))
	assert.Equal(t, userAgent, got.Get("User-Agent"))
}

func TestClientDo_NoContentTypeWithoutBody(t *testing.T) {
	var got http.Header

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})

	resp, err := c.Do(context.Background(), http.MethodGet, c.Endpoint()+"/ValueSet/vs1/$expand", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, got.Get("Content-Type"))
}

func TestClientDo_ReauthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server without a credential")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), failingAuth{}, testLogger())

	_, err := c.Do(context.Background(), http.MethodGet, c.Endpoint()+"/CodeSystem/cs1", nil)
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestClientDo_ServerErrorClassification(t *testing.T) {
	tests := []struct {
		status   int
		sentinel error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusUnprocessableEntity, ErrUnprocessable},
		{http.StatusInternalServerError, ErrServerFault},
		{http.StatusBadGateway, ErrServerFault},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := c.Do(context.Background(), http.MethodGet, c.Endpoint()+"/CodeSystem/cs1", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var srvErr *ServerError
			require.ErrorAs(t, err, &srvErr)
			assert.Equal(t, tt.status, srvErr.StatusCode)
		})
	}
}

func TestClientDo_ParsesOperationOutcome(t *testing.T) {
	outcome := `{
		"resourceType": "OperationOutcome",
		"issue": [
			{"severity": "error", "code": "invalid", "details": {"text": "CodeSystem.url is required"}},
			{"severity": "error", "code": "invalid", "diagnostics": "line 12: unexpected token"}
		]
	}`

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, outcome)
	})

	_, err := c.Do(context.Background(), http.MethodPut, c.ResourceURL(KindCodeSystem, "cs1"), []byte(`{}`))
	require.Error(t, err)

	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, []string{"CodeSystem.url is required", "line 12: unexpected token"}, srvErr.Issues)
	assert.Contains(t, srvErr.Error(), "CodeSystem.url is required")
}

func TestClientDo_NonOutcomeBodyKeptRaw(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>Bad Gateway</html>")
	})

	_, err := c.Do(context.Background(), http.MethodGet, c.Endpoint()+"/ValueSet/vs1", nil)

	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Empty(t, srvErr.Issues)
	assert.Equal(t, "<html>Bad Gateway</html>", srvErr.RawBody)
}

func TestClientDo_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	c := NewClient(srv.URL, srv.Client(), nil, testLogger())
	srv.Close()

	_, err := c.Do(context.Background(), http.MethodGet, c.Endpoint()+"/CodeSystem/cs1", nil)
	require.Error(t, err)

	var srvErr *ServerError
	assert.False(t, errors.As(err, &srvErr), "transport errors are not server errors")
}

func TestClientURLs(t *testing.T) {
	c := NewClient("http://localhost:8080/fhir/", nil, nil, testLogger())

	assert.Equal(t, "http://localhost:8080/fhir", c.Endpoint())
	assert.Equal(t, "http://localhost:8080/fhir/ValueSet", c.CollectionURL(KindValueSet))
	assert.Equal(t, "http://localhost:8080/fhir/ConceptMap/cm1", c.ResourceURL(KindConceptMap, "cm1"))
}

func TestRenderIssue_PrefersDetailsText(t *testing.T) {
	body := []byte(`{
		"resourceType": "OperationOutcome",
		"issue": [{
			"severity": "error",
			"code": "not-found",
			"details": {
				"coding": [{"code": "MSG_NO_MATCH", "display": "No resource matched"}]
			}
		}]
	}`)

	assert.Equal(t, []string{"No resource matched"}, operationOutcomeIssues(body))
}
