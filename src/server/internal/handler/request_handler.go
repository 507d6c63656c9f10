package handler

import (
	"context"
	"errors"
	"time"

	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/models/enum"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/keyexchange"
	"github.com/maxogod/secure-upload/src/server/internal/notifier"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/clients"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/manager"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/upload"
	"github.com/maxogod/secure-upload/src/server/internal/storage"
)

const storeTimeout = 5 * time.Second

type requestHandler struct {
	clients  manager.ClientManager
	files    storage.FileStorage
	store    storage.ClientStore
	notifier notifier.Notifier
	checksum crypto.ChecksumFunc
}

// NewRequestHandler wires the dispatcher. store may be nil, in which case
// upload outcomes are only kept on disk.
func NewRequestHandler(
	clientManager manager.ClientManager,
	files storage.FileStorage,
	store storage.ClientStore,
	uploadNotifier notifier.Notifier,
	checksum crypto.ChecksumFunc,
) RequestHandler {
	return &requestHandler{
		clients:  clientManager,
		files:    files,
		store:    store,
		notifier: uploadNotifier,
		checksum: checksum,
	}
}

func (h *requestHandler) Handle(header protocol.RequestHeader, payload []byte) protocol.Response {
	request, err := protocol.DecodePayload(header.Code, payload)
	if err != nil {
		logger.Logger.Warnf("action: decode_request | client: %s | code: %d | result: fail | error: %v", header.ClientID, header.Code, err)
		return &protocol.GeneralErrorResponse{}
	}

	logger.Logger.Debugf("action: handle_request | client: %s | request: %s", header.ClientID, header.Code)

	switch req := request.(type) {
	case *protocol.RegisterRequest:
		return h.register(req)
	case *protocol.PublicKeyRequest:
		return h.sendPublicKey(header.ClientID, req)
	case *protocol.ReconnectRequest:
		return h.reconnect(header.ClientID, req)
	case *protocol.FileChunkRequest:
		return h.fileChunk(header.ClientID, req)
	case *protocol.ConfirmChecksumRequest:
		return h.confirmChecksum(header.ClientID)
	case *protocol.RetryUploadRequest:
		return h.retryUpload(header.ClientID)
	case *protocol.AbandonUploadRequest:
		return h.abandonUpload(header.ClientID)
	default:
		return &protocol.GeneralErrorResponse{}
	}
}

/* --- PRIVATE METHODS --- */

func (h *requestHandler) register(req *protocol.RegisterRequest) protocol.Response {
	id, err := h.clients.Register(req.Name)
	if errors.Is(err, manager.ErrNameTaken) || errors.Is(err, manager.ErrInvalidName) {
		logger.Logger.Infof("action: register | name: %q | result: fail | error: %v", req.Name, err)
		return &protocol.NameTakenResponse{}
	}
	if err != nil {
		logger.Logger.Errorf("action: register | name: %q | result: fail | error: %v", req.Name, err)
		return &protocol.GeneralErrorResponse{}
	}

	if err = h.files.MakeClientArea(id); err != nil {
		logger.Logger.Warnf("action: make_client_area | client: %s | result: fail | error: %v", id, err)
	}
	return &protocol.RegisteredOkResponse{ClientID: id}
}

func (h *requestHandler) sendPublicKey(id protocol.ClientID, req *protocol.PublicKeyRequest) protocol.Response {
	session, ok := h.lockSession(id)
	if !ok {
		return &protocol.GeneralErrorResponse{}
	}
	defer session.Unlock()

	if session.Name() != req.Name {
		logger.Logger.Warnf("action: send_public_key | client: %s | result: fail | error: name %q does not match", id, req.Name)
		return &protocol.GeneralErrorResponse{}
	}

	key, err := keyexchange.ParsePublicKey(req.PublicKey)
	if err != nil {
		logger.Logger.Warnf("action: send_public_key | client: %s | result: fail | error: %v", id, err)
		return &protocol.GeneralErrorResponse{}
	}
	if err = h.clients.SetPublicKey(id, key); err != nil {
		logger.Logger.Warnf("action: send_public_key | client: %s | result: fail | error: %v", id, err)
		return &protocol.GeneralErrorResponse{}
	}

	wrapped, err := keyexchange.WrapSessionKey(session)
	if err != nil {
		logger.Logger.Errorf("action: wrap_session_key | client: %s | result: fail | error: %v", id, err)
		return &protocol.GeneralErrorResponse{}
	}
	dropStaleUpload(session)
	h.clients.MarkSeen(session, time.Now())

	logger.Logger.Infof("action: send_public_key | client: %s | result: success", id)
	return &protocol.PublicKeyAckResponse{ClientID: id, WrappedKey: wrapped}
}

func (h *requestHandler) reconnect(id protocol.ClientID, req *protocol.ReconnectRequest) protocol.Response {
	session, ok := h.lockSession(id)
	if !ok {
		return h.reconnectFailed(req.Name)
	}
	defer session.Unlock()

	if session.Name() != req.Name || session.PublicKey() == nil {
		return h.reconnectFailed(req.Name)
	}

	wrapped, err := keyexchange.WrapSessionKey(session)
	if err != nil {
		logger.Logger.Errorf("action: wrap_session_key | client: %s | result: fail | error: %v", id, err)
		return &protocol.GeneralErrorResponse{}
	}
	dropStaleUpload(session)
	h.clients.MarkSeen(session, time.Now())

	logger.Logger.Infof("action: reconnect | client: %s | result: success", id)
	return &protocol.ReconnectOkResponse{ClientID: id, WrappedKey: wrapped}
}

// dropStaleUpload forgets an unfinished upload after a key rotation, since
// its chunks were encrypted under the previous key.
func dropStaleUpload(session *clients.ClientSession) {
	if u := session.Upload(); u != nil && !u.State().IsFinished() {
		session.ClearUpload()
	}
}

func (h *requestHandler) reconnectFailed(name string) protocol.Response {
	id, err := h.clients.LookupByName(name)
	if err != nil {
		id = protocol.ClientID{}
	}
	logger.Logger.Infof("action: reconnect | name: %q | result: fail", name)
	return &protocol.ReconnectFailedResponse{ClientID: id}
}

func (h *requestHandler) fileChunk(id protocol.ClientID, req *protocol.FileChunkRequest) protocol.Response {
	session, ok := h.lockSession(id)
	if !ok {
		return &protocol.GeneralErrorResponse{}
	}
	defer session.Unlock()

	if !session.HasSessionKey() {
		logger.Logger.Warnf("action: file_chunk | client: %s | result: fail | error: no session key", id)
		return &protocol.GeneralErrorResponse{}
	}

	chunk := upload.ChunkFromRequest(req)
	current := session.Upload()
	if current == nil || current.State().IsFinished() {
		fresh, err := upload.New(chunk)
		if err != nil {
			logger.Logger.Warnf("action: file_chunk | client: %s | result: fail | error: %v", id, err)
			return &protocol.GeneralErrorResponse{}
		}
		current = fresh
		if err = current.Accept(chunk); err != nil {
			logger.Logger.Warnf("action: file_chunk | client: %s | result: fail | error: %v", id, err)
			return &protocol.GeneralErrorResponse{}
		}
		session.SetUpload(current)
	} else if err := current.Accept(chunk); err != nil {
		logger.Logger.Warnf("action: file_chunk | client: %s | state: %s | result: fail | error: %v", id, current.State(), err)
		return &protocol.GeneralErrorResponse{}
	}
	session.Touch(time.Now())

	if !current.IsComplete() {
		return &protocol.AwaitMoreChunksResponse{ClientID: id}
	}

	if err := current.Assemble(session.SessionKey(), h.checksum); err != nil {
		logger.Logger.Warnf("action: assemble_upload | client: %s | file: %s | result: fail | error: %v", id, current.FileName, err)
		return &protocol.GeneralErrorResponse{}
	}

	logger.Logger.Infof("action: assemble_upload | client: %s | file: %s | size: %d | checksum: %d | result: success",
		id, current.FileName, len(current.Plaintext()), current.Checksum())
	return &protocol.UploadCompleteResponse{
		ClientID:    id,
		ContentSize: current.ContentSize,
		FileName:    current.FileName,
		Checksum:    current.Checksum(),
	}
}

func (h *requestHandler) confirmChecksum(id protocol.ClientID) protocol.Response {
	session, current, ok := h.lockUpload(id, enum.ConfirmChecksum)
	if !ok {
		return &protocol.GeneralErrorResponse{}
	}
	defer session.Unlock()

	if current.State() != enum.Complete {
		logger.Logger.Warnf("action: confirm_checksum | client: %s | state: %s | result: fail", id, current.State())
		return &protocol.GeneralErrorResponse{}
	}

	plaintext := current.Plaintext()
	if err := h.files.Persist(id, current.FileName, plaintext); err != nil {
		logger.Logger.Errorf("action: confirm_checksum | client: %s | file: %s | result: fail | error: %v", id, current.FileName, err)
		return &protocol.GeneralErrorResponse{}
	}

	event := h.eventFor(session, current, len(plaintext))
	if err := current.Confirm(); err != nil {
		return &protocol.GeneralErrorResponse{}
	}
	event.State = current.State()

	h.recordFile(event, true)
	h.notifier.Notify(event)
	h.clients.MarkSeen(session, time.Now())

	logger.Logger.Infof("action: confirm_checksum | client: %s | file: %s | result: success", id, current.FileName)
	return &protocol.GenericAckResponse{ClientID: id}
}

func (h *requestHandler) retryUpload(id protocol.ClientID) protocol.Response {
	session, current, ok := h.lockUpload(id, enum.RetryUpload)
	if !ok {
		return &protocol.GeneralErrorResponse{}
	}
	defer session.Unlock()

	event := h.eventFor(session, current, len(current.Plaintext()))
	abandoned, err := current.Retry()
	if err != nil {
		logger.Logger.Warnf("action: retry_upload | client: %s | result: fail | error: %v", id, err)
		return &protocol.GeneralErrorResponse{}
	}
	h.clients.MarkSeen(session, time.Now())

	if abandoned {
		event.State = current.State()
		event.Retries = current.Retries()
		h.recordFile(event, false)
		h.notifier.Notify(event)
		logger.Logger.Infof("action: retry_upload | client: %s | file: %s | result: abandoned | retries: %d", id, current.FileName, current.Retries())
		return &protocol.GenericAckResponse{ClientID: id}
	}

	logger.Logger.Infof("action: retry_upload | client: %s | file: %s | result: awaiting_resend | retries: %d", id, current.FileName, current.Retries())
	return &protocol.AwaitMoreFileResponse{ClientID: id}
}

func (h *requestHandler) abandonUpload(id protocol.ClientID) protocol.Response {
	session, current, ok := h.lockUpload(id, enum.AbandonUpload)
	if !ok {
		return &protocol.GeneralErrorResponse{}
	}
	defer session.Unlock()

	event := h.eventFor(session, current, len(current.Plaintext()))
	if err := current.Abandon(); err != nil {
		logger.Logger.Warnf("action: abandon_upload | client: %s | result: fail | error: %v", id, err)
		return &protocol.GeneralErrorResponse{}
	}
	event.State = current.State()

	h.recordFile(event, false)
	h.notifier.Notify(event)
	h.clients.MarkSeen(session, time.Now())

	logger.Logger.Infof("action: abandon_upload | client: %s | file: %s | result: success", id, current.FileName)
	return &protocol.GenericAckResponse{ClientID: id}
}

// lockSession looks the client up and locks its session. The caller unlocks.
func (h *requestHandler) lockSession(id protocol.ClientID) (*clients.ClientSession, bool) {
	session, err := h.clients.LookupByID(id)
	if err != nil {
		logger.Logger.Warnf("action: lookup_client | client: %s | result: fail | error: %v", id, err)
		return nil, false
	}
	session.Lock()
	return session, true
}

// lockUpload locks the session and returns its upload. On failure nothing is left locked.
func (h *requestHandler) lockUpload(id protocol.ClientID, code enum.RequestCode) (*clients.ClientSession, *upload.Upload, bool) {
	session, ok := h.lockSession(id)
	if !ok {
		return nil, nil, false
	}
	current := session.Upload()
	if current == nil {
		session.Unlock()
		logger.Logger.Warnf("action: %s | client: %s | result: fail | error: no upload", code, id)
		return nil, nil, false
	}
	return session, current, true
}

func (h *requestHandler) eventFor(session *clients.ClientSession, u *upload.Upload, size int) notifier.UploadEvent {
	return notifier.UploadEvent{
		ClientID:   session.ID(),
		ClientName: session.Name(),
		FileName:   u.FileName,
		Size:       size,
		Checksum:   u.Checksum(),
		Retries:    u.Retries(),
		State:      u.State(),
	}
}

func (h *requestHandler) recordFile(event notifier.UploadEvent, verified bool) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := h.store.RecordFile(ctx, storage.FileRecord{
		ClientID: event.ClientID,
		FileName: event.FileName,
		Size:     event.Size,
		Checksum: event.Checksum,
		Verified: verified,
		StoredAt: time.Now(),
	})
	if err != nil {
		logger.Logger.Warnf("action: record_file | client: %s | file: %s | result: fail | error: %v", event.ClientID, event.FileName, err)
	}
}
