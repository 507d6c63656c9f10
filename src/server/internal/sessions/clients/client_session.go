package clients

import (
	"crypto/rsa"
	"sync"
	"time"

	"github.com/maxogod/secure-upload/src/common/models/enum"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/upload"
)

// ClientSession is the server side record of a registered client.
//
// Accessors do not lock. Whoever reads or mutates a session holds its lock for
// the whole operation, so that requests against the same client never
// interleave.
type ClientSession struct {
	mu sync.Mutex

	id         protocol.ClientID
	name       string
	publicKey  *rsa.PublicKey
	sessionKey []byte
	upload     *upload.Upload
	lastSeen   time.Time
}

func NewClientSession(id protocol.ClientID, name string) *ClientSession {
	return &ClientSession{
		id:       id,
		name:     name,
		lastSeen: time.Now(),
	}
}

func (cs *ClientSession) Lock()         { cs.mu.Lock() }
func (cs *ClientSession) Unlock()       { cs.mu.Unlock() }
func (cs *ClientSession) TryLock() bool { return cs.mu.TryLock() }

func (cs *ClientSession) ID() protocol.ClientID { return cs.id }

// Name is immutable and may be read without holding the lock.
func (cs *ClientSession) Name() string { return cs.name }

func (cs *ClientSession) PublicKey() *rsa.PublicKey { return cs.publicKey }

func (cs *ClientSession) SetPublicKey(key *rsa.PublicKey) { cs.publicKey = key }

func (cs *ClientSession) SessionKey() []byte { return cs.sessionKey }

func (cs *ClientSession) SetSessionKey(key []byte) { cs.sessionKey = key }

func (cs *ClientSession) HasSessionKey() bool { return len(cs.sessionKey) > 0 }

func (cs *ClientSession) Upload() *upload.Upload { return cs.upload }

func (cs *ClientSession) SetUpload(u *upload.Upload) { cs.upload = u }

func (cs *ClientSession) ClearUpload() { cs.upload = nil }

// UploadState reports NoUpload when there is no upload record.
func (cs *ClientSession) UploadState() enum.UploadState {
	if cs.upload == nil {
		return enum.NoUpload
	}
	return cs.upload.State()
}

func (cs *ClientSession) LastSeen() time.Time { return cs.lastSeen }

func (cs *ClientSession) Touch(at time.Time) { cs.lastSeen = at }
