package storage

import (
	"context"
	"time"

	"github.com/maxogod/secure-upload/src/common/protocol"
)

// FileStorage keeps one area per client on disk and the confirmed files inside it.
type FileStorage interface {
	// MakeClientArea creates the client's directory. It is idempotent.
	MakeClientArea(id protocol.ClientID) error

	// Persist writes the file under the client's area, replacing any previous
	// file with the same name, together with its metadata sidecar.
	Persist(id protocol.ClientID, fileName string, data []byte) error

	// ReadMetadata returns the sidecar written by Persist.
	ReadMetadata(id protocol.ClientID, fileName string) (*FileMetadata, error)

	// RemoveClientArea deletes the client's directory and everything in it.
	RemoveClientArea(id protocol.ClientID) error
}

// ClientStore persists the client registry across restarts.
type ClientStore interface {
	// SaveClient inserts a new client row. A name held by another row yields
	// ErrDuplicateName and leaves that row untouched.
	SaveClient(ctx context.Context, client ClientRecord) error

	// UpdatePublicKey stores the DER encoded public key of a client.
	UpdatePublicKey(ctx context.Context, id protocol.ClientID, publicKey []byte) error

	// TouchClient updates the last time the client was seen.
	TouchClient(ctx context.Context, id protocol.ClientID, at time.Time) error

	// RecordFile stores the outcome of an upload.
	RecordFile(ctx context.Context, file FileRecord) error

	// DeleteClient removes a client and its file rows.
	DeleteClient(ctx context.Context, id protocol.ClientID) error

	// LoadClients returns every persisted client.
	LoadClients(ctx context.Context) ([]ClientRecord, error)

	// ListFiles returns the file rows of a client, oldest first.
	ListFiles(ctx context.Context, id protocol.ClientID) ([]FileRecord, error)

	// Close releases the database.
	Close() error
}

type ClientRecord struct {
	ID        protocol.ClientID
	Name      string
	PublicKey []byte
	LastSeen  time.Time
}

type FileRecord struct {
	ClientID protocol.ClientID
	FileName string
	Size     int
	Checksum uint32
	Verified bool
	StoredAt time.Time
}

type FileMetadata struct {
	ClientID protocol.ClientID
	FileName string
	Size     int
	StoredAt time.Time
}
