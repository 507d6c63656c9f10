package manager

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/clients"
)

// ClientManager is the registry of every client known to the server.
//
// Structural operations are atomic with respect to each other. Operations that
// mutate a session (SetPublicKey, SetSessionKey, MarkSeen) expect the caller to
// hold that session's lock.
type ClientManager interface {
	// Register creates a session with a fresh random id.
	// It fails with ErrNameTaken if any session already uses the name.
	Register(name string) (protocol.ClientID, error)

	// LookupByID returns the session for the id, or ErrNotFound.
	LookupByID(id protocol.ClientID) (*clients.ClientSession, error)

	// LookupByName returns the id registered under the name, or ErrNotFound.
	LookupByName(name string) (protocol.ClientID, error)

	// SetPublicKey stores the client's public key, or fails with ErrUnknownClient.
	SetPublicKey(id protocol.ClientID, key *rsa.PublicKey) error

	// SetSessionKey stores the client's current session key, or fails with ErrUnknownClient.
	SetSessionKey(id protocol.ClientID, key []byte) error

	// IsRegisteredAs reports whether the id exists and its name matches exactly.
	IsRegisteredAs(id protocol.ClientID, name string) bool

	// MarkSeen records the time of the client's last request.
	MarkSeen(session *clients.ClientSession, at time.Time)

	// RemoveClient deletes a session. This is the only way a session is destroyed.
	RemoveClient(id protocol.ClientID) error

	// ReapStaleUploads drops upload records idle for longer than maxIdle and
	// returns how many were dropped. A non positive maxIdle disables it.
	ReapStaleUploads(maxIdle time.Duration) int

	// Restore reloads the persisted clients. It is meant to run before serving.
	Restore(ctx context.Context) (int, error)

	// Count returns the number of registered clients.
	Count() int

	// Close releases the underlying store.
	Close()
}
