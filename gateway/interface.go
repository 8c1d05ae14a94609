package gateway

import (
	"net/http"

	"github.com/c360/tagstreams/component"
)

// Gateway is a component that serves HTTP routes.
type Gateway interface {
	component.Discoverable

	// RegisterHTTPHandlers registers the gateway's routes on mux below prefix.
	// The prefix always ends with a slash, e.g. "/" or "/api/".
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}

// HTTPHandler is implemented by anything that exposes HTTP routes on the
// process server.
type HTTPHandler interface {
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}
