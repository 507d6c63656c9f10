package uploader

import (
	"crypto/rsa"

	"github.com/maxogod/secure-upload/src/common/protocol"
)

// Uploader speaks the upload protocol over a single server connection.
// It is not safe for concurrent use.
type Uploader interface {
	// Register asks the server for a new identity under the given name and
	// adopts the returned client id.
	Register(name string) (protocol.ClientID, error)

	// SendPublicKey sends the public half of key and adopts the session key the
	// server wraps with it.
	SendPublicKey(name string, key *rsa.PrivateKey) error

	// Reconnect resumes a previous identity. On success a fresh session key is
	// adopted; ErrReconnectFailed means the caller should register again.
	Reconnect(id protocol.ClientID, name string, key *rsa.PrivateKey) error

	// SendFile encrypts data under the session key, streams it in chunks and
	// runs the checksum confirmation loop until the server stores the file or
	// the upload is abandoned.
	SendFile(fileName string, data []byte) (Result, error)

	// ClientID returns the identity currently in use.
	ClientID() protocol.ClientID

	// Close releases the underlying connection.
	Close() error
}

// Result describes a finished SendFile call.
type Result struct {
	Checksum uint32
	Chunks   int
	Attempts int
}
