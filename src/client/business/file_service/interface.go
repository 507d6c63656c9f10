package file_service

import (
	"crypto/rsa"

	"github.com/maxogod/secure-upload/src/common/protocol"
)

// Identity is what a client remembers between runs to reconnect as itself.
type Identity struct {
	Name       string
	ClientID   protocol.ClientID
	PrivateKey *rsa.PrivateKey
}

// FileService handles every file the client reads or writes.
type FileService interface {

	// ReadUpload returns the contents of the file to upload and the name it is
	// announced under.
	ReadUpload(path string) (name string, data []byte, err error)

	// LoadIdentity reads the identity file and cross checks it with the private
	// key file. A missing identity file yields an error matching os.ErrNotExist.
	LoadIdentity() (*Identity, error)

	// SaveIdentity writes the identity file and the private key file.
	SaveIdentity(identity *Identity) error
}
