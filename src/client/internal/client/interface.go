package client

// Client uploads one file to the server and exits.
type Client interface {
	// Start authenticates against the server, reconnecting with a saved
	// identity when there is one, and uploads the configured file.
	Start() error

	// Shutdown closes the server connection. It may be called more than once.
	Shutdown()
}
