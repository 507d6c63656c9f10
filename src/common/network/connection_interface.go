package network

import "time"

// ConnectionInterface wraps a stream connection carrying fixed-size frames.
type ConnectionInterface interface {
	// Connect dials the given address, retrying up to the given amount of times.
	Connect(serverAddr string, retries int) error

	// IsConnected reports whether the underlying connection is open.
	IsConnected() bool

	// ReceiveExact blocks until exactly n bytes were read.
	// It returns io.EOF if the peer closed the connection before sending any byte,
	// and ErrShortRead if it closed it in the middle of the n bytes.
	ReceiveExact(n int) ([]byte, error)

	// Discard reads and drops exactly n bytes, with the same errors as ReceiveExact.
	Discard(n int64) error

	// SendData writes the whole buffer, handling short writes.
	SendData(data []byte) error

	// SetIdleTimeout bounds how long the next ReceiveExact may wait. Zero disables it.
	SetIdleTimeout(timeout time.Duration)

	// RemoteAddr returns the peer address, or an empty string when disconnected.
	RemoteAddr() string

	// Close closes the connection.
	Close() error
}
