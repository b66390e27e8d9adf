// Package bridge sets up the out-of-core HTTP bridge: an OpenAI-shaped
// /v1/chat/completions surface in front of the client package's connection
// to a host process. It exists entirely outside the wire protocol's core —
// everything here translates to and from the client package's typed calls.
package bridge

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kakaly/mlxhost/client"
)

// Bridge holds the HTTP router and the client connection handlers use to
// reach the host.
type Bridge struct {
	router chi.Router
	client *client.Client
}

// New creates a Bridge, wires up routes and middleware, and returns it ready
// to use as an http.Handler.
func New(c *client.Client) *Bridge {
	b := &Bridge{client: c}
	b.routes()
	return b
}

func (b *Bridge) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", b.handleHealth)
	r.Post("/v1/chat/completions", b.handleChatCompletions)
	r.Get("/v1/models", b.handleListModels)

	b.router = r
}

// ServeHTTP makes Bridge satisfy http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}
