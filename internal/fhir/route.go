package fhir

import (
	"fmt"
	"net/http"
)

// Route is the method and target URL for a resource's upload. It is decided
// exactly once per resource per run; retries reuse the same route.
type Route struct {
	Method string
	URL    string
}

// IDPrompter supplies an optional logical id for a resource that has none.
// Returning "" selects POST with a server-assigned id. The uploader package
// provides the terminal implementation.
type IDPrompter interface {
	ResourceID(res *Resource) (string, error)
}

// RouteResource decides the HTTP method and target URL for a resource.
// A resource with a logical id is PUT to its instance URL. Without one, the
// prompter is asked once: a supplied id is assigned to the resource and
// routed as PUT; a blank answer routes POST to the collection URL, and the
// server-assigned id must be captured from the response for all later
// operations in the run.
func RouteResource(c *Client, res *Resource, prompter IDPrompter) (Route, error) {
	if res.ID() == "" {
		id, err := prompter.ResourceID(res)
		if err != nil {
			return Route{}, fmt.Errorf("fhir: prompting for %s id: %w", res.Kind, err)
		}

		if id == "" {
			return Route{Method: http.MethodPost, URL: c.CollectionURL(res.Kind)}, nil
		}

		if err := res.SetID(id); err != nil {
			return Route{}, err
		}
	}

	return Route{Method: http.MethodPut, URL: c.ResourceURL(res.Kind, res.ID())}, nil
}
