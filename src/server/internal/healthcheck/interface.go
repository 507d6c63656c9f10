package healthcheck

import (
	"context"
	"net/http"
)

// PingServer is a util server that runs alongside the protocol server, used
// to check whether the process is ready and to remove clients by hand.
type PingServer interface {

	// Run starts the ping server on its port. It blocks until Shutdown.
	Run()

	// Handler exposes the routes, mostly for tests.
	Handler() http.Handler

	// Shutdown closes the ping server.
	Shutdown(ctx context.Context)
}
