package httpapi

import (
	"context"
	"net/http"
)

// detachedContext derives a context from r's that carries no cancellation
// signal from the client connection, so the orchestrator's background
// execution survives a disconnect (spec §9 "Client disconnect does not
// cancel the background execution").
func detachedContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
