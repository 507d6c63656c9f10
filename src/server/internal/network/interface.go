package network

import "github.com/maxogod/secure-upload/src/common/network"

// ConnectionManager owns the listening socket.
type ConnectionManager interface {
	// StartListening binds the configured address.
	StartListening() error

	// AcceptConnection blocks until a client connects.
	AcceptConnection() (network.ConnectionInterface, error)

	// Addr returns the bound address, useful when listening on port 0.
	Addr() string

	// Close stops listening. Pending AcceptConnection calls return an error.
	Close() error
}

// ConnectionHandler runs the request/response loop of one client connection.
type ConnectionHandler interface {
	// Serve reads one request frame at a time and answers each with exactly
	// one response frame. It returns nil when the peer disconnects between
	// frames and an error on any connection fault.
	Serve() error

	// IsFinished reports whether Serve has returned.
	IsFinished() bool

	// Close closes the underlying connection, making Serve return.
	Close()
}
