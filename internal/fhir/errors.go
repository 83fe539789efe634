// Package fhir provides an HTTP client for a FHIR terminology server,
// the terminology resource model, upload routing, and value set expansion
// verification.
package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for HTTP status classification and resource validation.
// Check with errors.Is.
var (
	ErrBadRequest      = errors.New("fhir: bad request")
	ErrUnauthorized    = errors.New("fhir: unauthorized")
	ErrForbidden       = errors.New("fhir: forbidden")
	ErrNotFound        = errors.New("fhir: not found")
	ErrConflict        = errors.New("fhir: conflict")
	ErrUnprocessable   = errors.New("fhir: unprocessable resource")
	ErrServerFault     = errors.New("fhir: server error")
	ErrUnsupportedType = errors.New("fhir: unsupported resource type")
	ErrInvalidResource = errors.New("fhir: invalid resource")

	// ErrReauthRequired means the authorizer could not produce a usable
	// credential. The caller must obtain a fresh authorization grant
	// before any further requests.
	ErrReauthRequired = errors.New("fhir: re-authorization required")
)

// ServerError wraps a non-2xx terminology server response with the parsed
// OperationOutcome issues (when the body was parseable) and the raw body
// (when it was not).
type ServerError struct {
	StatusCode int
	Issues     []string
	RawBody    string
	Err        error // sentinel, for errors.Is()
}

func (e *ServerError) Error() string {
	if len(e.Issues) > 0 {
		return fmt.Sprintf("fhir: HTTP %d: %s", e.StatusCode, strings.Join(e.Issues, "; "))
	}

	return fmt.Sprintf("fhir: HTTP %d: %s", e.StatusCode, e.RawBody)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerFault
		}

		return nil
	}
}
