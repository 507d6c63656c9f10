// Package keyexchange hands out session keys wrapped under the client's
// public key.
package keyexchange

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/clients"
)

var ErrMissingPublicKey = errors.New("client has no public key")

// ParsePublicKey decodes the public key slot of a SendPublicKey request.
func ParsePublicKey(slot []byte) (*rsa.PublicKey, error) {
	return crypto.ParsePublicKey(slot)
}

// WrapSessionKey generates a fresh session key, stores it on the session and
// returns it encrypted under the session's public key. The caller holds the
// session lock.
func WrapSessionKey(session *clients.ClientSession) ([]byte, error) {
	pub := session.PublicKey()
	if pub == nil {
		return nil, fmt.Errorf("client %s: %w", session.ID(), ErrMissingPublicKey)
	}

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	wrapped, err := crypto.WrapKey(pub, key)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key for %s: %w", session.ID(), err)
	}

	session.SetSessionKey(key)
	return wrapped, nil
}
