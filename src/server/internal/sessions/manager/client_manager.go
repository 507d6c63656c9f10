package manager

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/clients"
	"github.com/maxogod/secure-upload/src/server/internal/storage"
)

const storeTimeout = 5 * time.Second

var (
	ErrNameTaken     = errors.New("name already registered")
	ErrInvalidName   = errors.New("invalid client name")
	ErrNotFound      = errors.New("client not found")
	ErrUnknownClient = errors.New("unknown client")
)

type clientManager struct {
	mu      sync.RWMutex
	clients map[protocol.ClientID]*clients.ClientSession
	store   storage.ClientStore
}

// NewClientManager builds an empty registry. The store may be nil, in which
// case nothing outlives the process.
func NewClientManager(store storage.ClientStore) ClientManager {
	return &clientManager{
		clients: make(map[protocol.ClientID]*clients.ClientSession),
		store:   store,
	}
}

func (cm *clientManager) Register(name string) (protocol.ClientID, error) {
	if name == "" {
		return protocol.ClientID{}, ErrInvalidName
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, session := range cm.clients {
		if session.Name() == name {
			return protocol.ClientID{}, fmt.Errorf("%q: %w", name, ErrNameTaken)
		}
	}

	id := cm.newID()
	session := clients.NewClientSession(id, name)

	if cm.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		err := cm.store.SaveClient(ctx, storage.ClientRecord{ID: id, Name: name, LastSeen: session.LastSeen()})
		if errors.Is(err, storage.ErrDuplicateName) {
			return protocol.ClientID{}, fmt.Errorf("%q: %w", name, ErrNameTaken)
		}
		if err != nil {
			return protocol.ClientID{}, fmt.Errorf("failed to persist client %q: %w", name, err)
		}
	}

	cm.clients[id] = session
	logger.Logger.Infof("action: register | client: %s | name: %s | result: success", id, name)
	return id, nil
}

func (cm *clientManager) LookupByID(id protocol.ClientID) (*clients.ClientSession, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	session, ok := cm.clients[id]
	if !ok {
		return nil, fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	return session, nil
}

func (cm *clientManager) LookupByName(name string) (protocol.ClientID, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for id, session := range cm.clients {
		if session.Name() == name {
			return id, nil
		}
	}
	return protocol.ClientID{}, fmt.Errorf("name %q: %w", name, ErrNotFound)
}

func (cm *clientManager) SetPublicKey(id protocol.ClientID, key *rsa.PublicKey) error {
	session, err := cm.LookupByID(id)
	if err != nil {
		return fmt.Errorf("set public key for %s: %w", id, ErrUnknownClient)
	}
	session.SetPublicKey(key)

	if cm.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err = cm.store.UpdatePublicKey(ctx, id, x509.MarshalPKCS1PublicKey(key)); err != nil {
			logger.Logger.Warnf("action: persist_public_key | client: %s | result: fail | error: %v", id, err)
		}
	}
	return nil
}

func (cm *clientManager) SetSessionKey(id protocol.ClientID, key []byte) error {
	session, err := cm.LookupByID(id)
	if err != nil {
		return fmt.Errorf("set session key for %s: %w", id, ErrUnknownClient)
	}
	session.SetSessionKey(key)
	return nil
}

func (cm *clientManager) IsRegisteredAs(id protocol.ClientID, name string) bool {
	session, err := cm.LookupByID(id)
	return err == nil && session.Name() == name
}

func (cm *clientManager) MarkSeen(session *clients.ClientSession, at time.Time) {
	session.Touch(at)
	if cm.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := cm.store.TouchClient(ctx, session.ID(), at); err != nil {
		logger.Logger.Warnf("action: persist_last_seen | client: %s | result: fail | error: %v", session.ID(), err)
	}
}

func (cm *clientManager) RemoveClient(id protocol.ClientID) error {
	cm.mu.RLock()
	session, ok := cm.clients[id]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}

	// Wait for any request in flight against the session.
	session.Lock()
	defer session.Unlock()

	cm.mu.RLock()
	current, ok := cm.clients[id]
	cm.mu.RUnlock()
	if !ok || current != session {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}

	// The row goes first so a store failure leaves the client fully registered.
	if cm.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := cm.store.DeleteClient(ctx, id); err != nil {
			return fmt.Errorf("remove %s from store: %w", id, err)
		}
	}

	cm.mu.Lock()
	delete(cm.clients, id)
	cm.mu.Unlock()
	session.ClearUpload()

	logger.Logger.Infof("action: remove_client | client: %s | name: %s | result: success", id, session.Name())
	return nil
}

func (cm *clientManager) ReapStaleUploads(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}

	cm.mu.RLock()
	sessions := make([]*clients.ClientSession, 0, len(cm.clients))
	for _, session := range cm.clients {
		sessions = append(sessions, session)
	}
	cm.mu.RUnlock()

	now := time.Now()
	reaped := 0
	for _, session := range sessions {
		// A session that is busy is not idle.
		if !session.TryLock() {
			continue
		}
		if u := session.Upload(); u != nil && now.Sub(u.LastActivity()) > maxIdle {
			logger.Logger.Infof("action: reap_upload | client: %s | file: %s | state: %s | result: success",
				session.ID(), u.FileName, u.State())
			session.ClearUpload()
			reaped++
		}
		session.Unlock()
	}
	return reaped
}

func (cm *clientManager) Restore(ctx context.Context) (int, error) {
	if cm.store == nil {
		return 0, nil
	}

	records, err := cm.store.LoadClients(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load clients: %w", err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, record := range records {
		session := clients.NewClientSession(record.ID, record.Name)
		session.Touch(record.LastSeen)
		if len(record.PublicKey) > 0 {
			key, keyErr := crypto.ParsePublicKey(record.PublicKey)
			if keyErr != nil {
				logger.Logger.Warnf("action: restore_client | client: %s | result: fail | error: %v", record.ID, keyErr)
			} else {
				session.SetPublicKey(key)
			}
		}
		cm.clients[record.ID] = session
	}

	logger.Logger.Infof("action: restore_clients | count: %d | result: success", len(records))
	return len(records), nil
}

func (cm *clientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

func (cm *clientManager) Close() {
	if cm.store == nil {
		return
	}
	if err := cm.store.Close(); err != nil {
		logger.Logger.Errorf("action: close_client_store | result: fail | error: %v", err)
	}
}

/* --- PRIVATE METHODS --- */

// newID draws random v4 uuids until one is unused. Callers hold the write lock.
func (cm *clientManager) newID() protocol.ClientID {
	for {
		id := protocol.ClientID(uuid.New())
		if _, taken := cm.clients[id]; !taken && !id.IsZero() {
			return id
		}
	}
}
