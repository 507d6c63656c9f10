package handler_test

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/models/enum"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/handler"
	"github.com/maxogod/secure-upload/src/server/internal/notifier"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/manager"
	"github.com/maxogod/secure-upload/src/server/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger(logger.LoggerEnvDevelopment)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifier.UploadEvent
}

func (n *recordingNotifier) Notify(event notifier.UploadEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) Close() {}

func (n *recordingNotifier) Events() []notifier.UploadEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.UploadEvent(nil), n.events...)
}

type failingFileStorage struct {
	storage.FileStorage
}

func (failingFileStorage) Persist(protocol.ClientID, string, []byte) error {
	return errors.New("disk full")
}

type fixture struct {
	handler  handler.RequestHandler
	clients  manager.ClientManager
	store    storage.ClientStore
	notifier *recordingNotifier
	basePath string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithFiles(t, nil)
}

func newFixtureWithFiles(t *testing.T, files storage.FileStorage) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewClientStore(filepath.Join(dir, "server.db"))
	require.NoError(t, err)

	basePath := filepath.Join(dir, "users")
	if files == nil {
		files = storage.NewFileStorage(basePath)
	}

	clientManager := manager.NewClientManager(store)
	t.Cleanup(clientManager.Close)

	events := &recordingNotifier{}
	return &fixture{
		handler:  handler.NewRequestHandler(clientManager, files, store, events, crc32.ChecksumIEEE),
		clients:  clientManager,
		store:    store,
		notifier: events,
		basePath: basePath,
	}
}

// send encodes the request into a frame and hands it to the handler the way
// the connection loop does.
func (f *fixture) send(t *testing.T, id protocol.ClientID, req protocol.Request) protocol.Response {
	t.Helper()
	frame := protocol.EncodeRequest(id, req)
	header, err := protocol.DecodeRequestHeader(frame[:protocol.RequestHeaderSize])
	require.NoError(t, err)
	return f.handler.Handle(header, frame[protocol.RequestHeaderSize:])
}

func (f *fixture) register(t *testing.T, name string) protocol.ClientID {
	t.Helper()
	resp := f.send(t, protocol.ClientID{}, &protocol.RegisterRequest{Name: name})
	ok, isOk := resp.(*protocol.RegisteredOkResponse)
	require.True(t, isOk, "got %T", resp)
	return ok.ClientID
}

// exchangeKeys sends a fresh public key and returns the private key and the unwrapped session key.
func (f *fixture) exchangeKeys(t *testing.T, id protocol.ClientID, name string) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	slot, err := crypto.MarshalPublicKeySlot(&priv.PublicKey)
	require.NoError(t, err)

	resp := f.send(t, id, &protocol.PublicKeyRequest{Name: name, PublicKey: slot})
	ack, ok := resp.(*protocol.PublicKeyAckResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, id, ack.ClientID)

	key, err := crypto.UnwrapKey(priv, ack.WrappedKey)
	require.NoError(t, err)
	return priv, key
}

func chunksFor(t *testing.T, key []byte, fileName string, plaintext []byte) []*protocol.FileChunkRequest {
	t.Helper()
	ciphertext, err := crypto.EncryptCBC(key, plaintext)
	require.NoError(t, err)

	total := (len(ciphertext) + protocol.ChunkDataSize - 1) / protocol.ChunkDataSize
	chunks := make([]*protocol.FileChunkRequest, 0, total)
	for i := range total {
		data := make([]byte, protocol.ChunkDataSize)
		copy(data, ciphertext[i*protocol.ChunkDataSize:])
		chunks = append(chunks, &protocol.FileChunkRequest{
			ContentSize:  uint32(len(ciphertext)),
			OriginalSize: uint32(len(plaintext)),
			ChunkIndex:   uint16(i + 1),
			TotalChunks:  uint16(total),
			FileName:     fileName,
			Data:         data,
		})
	}
	return chunks
}

// upload sends every chunk in order and returns the last response.
func (f *fixture) upload(t *testing.T, id protocol.ClientID, chunks []*protocol.FileChunkRequest) protocol.Response {
	t.Helper()
	var resp protocol.Response
	for i, chunk := range chunks {
		resp = f.send(t, id, chunk)
		if i < len(chunks)-1 {
			require.IsType(t, &protocol.AwaitMoreChunksResponse{}, resp)
		}
	}
	return resp
}

func (f *fixture) uploadState(t *testing.T, id protocol.ClientID) enum.UploadState {
	t.Helper()
	session, err := f.clients.LookupByID(id)
	require.NoError(t, err)
	session.Lock()
	defer session.Unlock()
	return session.UploadState()
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	id := f.register(t, "alice")
	assert.False(t, id.IsZero())
	_, err := os.Stat(filepath.Join(f.basePath, id.String()))
	assert.NoError(t, err)

	resp := f.send(t, protocol.ClientID{}, &protocol.RegisterRequest{Name: "alice"})
	assert.IsType(t, &protocol.NameTakenResponse{}, resp)
	assert.Equal(t, 1, f.clients.Count())

	resp = f.send(t, protocol.ClientID{}, &protocol.RegisterRequest{Name: ""})
	assert.IsType(t, &protocol.NameTakenResponse{}, resp)
	assert.Equal(t, 1, f.clients.Count())
}

func TestSendPublicKey_Failures(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")

	priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	slot, err := crypto.MarshalPublicKeySlot(&priv.PublicKey)
	require.NoError(t, err)

	resp := f.send(t, protocol.ClientID{0xFF}, &protocol.PublicKeyRequest{Name: "alice", PublicKey: slot})
	assert.IsType(t, &protocol.GeneralErrorResponse{}, resp, "unknown client")

	resp = f.send(t, id, &protocol.PublicKeyRequest{Name: "mallory", PublicKey: slot})
	assert.IsType(t, &protocol.GeneralErrorResponse{}, resp, "name mismatch")

	resp = f.send(t, id, &protocol.PublicKeyRequest{Name: "alice", PublicKey: make([]byte, protocol.PublicKeySize)})
	assert.IsType(t, &protocol.GeneralErrorResponse{}, resp, "unparsable key")

	session, err := f.clients.LookupByID(id)
	require.NoError(t, err)
	assert.Nil(t, session.PublicKey())
	assert.False(t, session.HasSessionKey())
}

func TestSendPublicKey_StoresKey(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")

	_, key := f.exchangeKeys(t, id, "alice")

	session, err := f.clients.LookupByID(id)
	require.NoError(t, err)
	assert.Equal(t, key, session.SessionKey())

	records, err := f.store.LoadClients(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].PublicKey)
}

func TestSendPublicKey_AgainRestartsUpload(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, oldKey := f.exchangeKeys(t, id, "alice")

	data := bytes.Repeat([]byte("rotate "), 500)
	stale := chunksFor(t, oldKey, "a.txt", data)
	require.Greater(t, len(stale), 1)
	require.IsType(t, &protocol.AwaitMoreChunksResponse{}, f.send(t, id, stale[0]))
	assert.Equal(t, enum.Collecting, f.uploadState(t, id))

	_, newKey := f.exchangeKeys(t, id, "alice")
	assert.Equal(t, enum.NoUpload, f.uploadState(t, id))

	resp := f.upload(t, id, chunksFor(t, newKey, "a.txt", data))
	done, ok := resp.(*protocol.UploadCompleteResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, crc32.ChecksumIEEE(data), done.Checksum)
}

func TestReconnect(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	priv, firstKey := f.exchangeKeys(t, id, "alice")

	resp := f.send(t, id, &protocol.ReconnectRequest{Name: "alice"})
	ok, isOk := resp.(*protocol.ReconnectOkResponse)
	require.True(t, isOk, "got %T", resp)
	assert.Equal(t, id, ok.ClientID)

	rotated, err := crypto.UnwrapKey(priv, ok.WrappedKey)
	require.NoError(t, err)
	assert.NotEqual(t, firstKey, rotated)

	session, err := f.clients.LookupByID(id)
	require.NoError(t, err)
	assert.Equal(t, rotated, session.SessionKey())
}

func TestReconnect_Failures(t *testing.T) {
	f := newFixture(t)
	aliceID := f.register(t, "alice")
	bobID := f.register(t, "bob")
	f.exchangeKeys(t, aliceID, "alice")

	t.Run("unknown id carries the id registered under the name", func(t *testing.T) {
		resp := f.send(t, protocol.ClientID{0xFF}, &protocol.ReconnectRequest{Name: "alice"})
		failed, ok := resp.(*protocol.ReconnectFailedResponse)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, aliceID, failed.ClientID)
	})

	t.Run("unknown name carries a zero id", func(t *testing.T) {
		resp := f.send(t, protocol.ClientID{0xFF}, &protocol.ReconnectRequest{Name: "nobody"})
		failed, ok := resp.(*protocol.ReconnectFailedResponse)
		require.True(t, ok, "got %T", resp)
		assert.True(t, failed.ClientID.IsZero())
	})

	t.Run("name of another client", func(t *testing.T) {
		resp := f.send(t, aliceID, &protocol.ReconnectRequest{Name: "bob"})
		failed, ok := resp.(*protocol.ReconnectFailedResponse)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, bobID, failed.ClientID)
	})

	t.Run("no public key", func(t *testing.T) {
		resp := f.send(t, bobID, &protocol.ReconnectRequest{Name: "bob"})
		failed, ok := resp.(*protocol.ReconnectFailedResponse)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, bobID, failed.ClientID)

		session, err := f.clients.LookupByID(bobID)
		require.NoError(t, err)
		assert.False(t, session.HasSessionKey())
	})
}

func TestFileChunk_RequiresSessionKey(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")

	chunks := chunksFor(t, make([]byte, crypto.SessionKeySize), "a.txt", []byte("data"))
	resp := f.send(t, id, chunks[0])
	assert.IsType(t, &protocol.GeneralErrorResponse{}, resp)
	assert.Equal(t, enum.NoUpload, f.uploadState(t, id))
}

func TestUpload_ConfirmPersists(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	plaintext := bytes.Repeat([]byte("0123456789"), 350)
	chunks := chunksFor(t, key, "numbers.txt", plaintext)
	require.Len(t, chunks, 4)

	// out of order delivery
	for _, i := range []int{3, 0, 2} {
		resp := f.send(t, id, chunks[i])
		awaiting, ok := resp.(*protocol.AwaitMoreChunksResponse)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, id, awaiting.ClientID)
	}
	resp := f.send(t, id, chunks[1])
	complete, ok := resp.(*protocol.UploadCompleteResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, id, complete.ClientID)
	assert.Equal(t, "numbers.txt", complete.FileName)
	assert.Equal(t, chunks[0].ContentSize, complete.ContentSize)
	assert.Equal(t, crc32.ChecksumIEEE(plaintext), complete.Checksum)

	resp = f.send(t, id, &protocol.ConfirmChecksumRequest{Name: "numbers.txt"})
	ack, ok := resp.(*protocol.GenericAckResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, id, ack.ClientID)
	assert.Equal(t, enum.Confirmed, f.uploadState(t, id))

	stored, err := os.ReadFile(filepath.Join(f.basePath, id.String(), "numbers.txt"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, stored)

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, enum.Confirmed, events[0].State)
	assert.Equal(t, len(plaintext), events[0].Size)
	assert.Equal(t, crc32.ChecksumIEEE(plaintext), events[0].Checksum)

	files, err := f.store.ListFiles(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Verified)

	// a confirmed upload is superseded by the next file
	next := chunksFor(t, key, "second.txt", []byte("again"))
	resp = f.upload(t, id, next)
	assert.IsType(t, &protocol.UploadCompleteResponse{}, resp)
}

func TestUpload_ChunkWhileComplete(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	chunks := chunksFor(t, key, "a.txt", []byte("small"))
	require.IsType(t, &protocol.UploadCompleteResponse{}, f.upload(t, id, chunks))

	resp := f.send(t, id, chunks[0])
	assert.IsType(t, &protocol.GeneralErrorResponse{}, resp)
	assert.Equal(t, enum.Complete, f.uploadState(t, id))

	resp = f.send(t, id, &protocol.ConfirmChecksumRequest{Name: "a.txt"})
	assert.IsType(t, &protocol.GenericAckResponse{}, resp)
}

func TestUpload_MalformedChunkLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	chunks := chunksFor(t, key, "a.txt", bytes.Repeat([]byte("a"), 1500))
	require.Len(t, chunks, 2)

	outOfRange := *chunks[0]
	outOfRange.ChunkIndex = 3
	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &outOfRange))
	assert.Equal(t, enum.NoUpload, f.uploadState(t, id))

	zeroTotal := *chunks[0]
	zeroTotal.TotalChunks = 0
	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &zeroTotal))
	assert.Equal(t, enum.NoUpload, f.uploadState(t, id))

	require.IsType(t, &protocol.AwaitMoreChunksResponse{}, f.send(t, id, chunks[0]))

	otherFile := *chunks[1]
	otherFile.FileName = "b.txt"
	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &otherFile))
	assert.Equal(t, enum.Collecting, f.uploadState(t, id))

	assert.IsType(t, &protocol.UploadCompleteResponse{}, f.send(t, id, chunks[1]))
}

func TestUpload_RetryBound(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	chunks := chunksFor(t, key, "flaky.bin", []byte("bits that keep flipping"))
	require.IsType(t, &protocol.UploadCompleteResponse{}, f.upload(t, id, chunks))

	for range 3 {
		resp := f.send(t, id, &protocol.RetryUploadRequest{Name: "flaky.bin"})
		awaiting, ok := resp.(*protocol.AwaitMoreFileResponse)
		require.True(t, ok, "got %T", resp)
		assert.Equal(t, id, awaiting.ClientID)
		assert.Equal(t, enum.Retrying, f.uploadState(t, id))

		require.IsType(t, &protocol.UploadCompleteResponse{}, f.upload(t, id, chunks))
	}

	resp := f.send(t, id, &protocol.RetryUploadRequest{Name: "flaky.bin"})
	assert.IsType(t, &protocol.GenericAckResponse{}, resp)
	assert.Equal(t, enum.Abandoned, f.uploadState(t, id))

	_, err := os.Stat(filepath.Join(f.basePath, id.String(), "flaky.bin"))
	assert.True(t, os.IsNotExist(err))

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, enum.Abandoned, events[0].State)
	assert.Equal(t, 4, events[0].Retries)

	files, err := f.store.ListFiles(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, files[0].Verified)

	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &protocol.ConfirmChecksumRequest{Name: "flaky.bin"}))
}

func TestUpload_Abandon(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	chunks := chunksFor(t, key, "gone.bin", bytes.Repeat([]byte("z"), 2000))
	require.Len(t, chunks, 2)

	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &protocol.AbandonUploadRequest{Name: "gone.bin"}), "no upload")

	require.IsType(t, &protocol.AwaitMoreChunksResponse{}, f.send(t, id, chunks[0]))
	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &protocol.AbandonUploadRequest{Name: "gone.bin"}), "collecting")
	assert.Equal(t, enum.Collecting, f.uploadState(t, id))

	require.IsType(t, &protocol.UploadCompleteResponse{}, f.send(t, id, chunks[1]))
	require.IsType(t, &protocol.AwaitMoreFileResponse{}, f.send(t, id, &protocol.RetryUploadRequest{Name: "gone.bin"}))

	assert.IsType(t, &protocol.GenericAckResponse{}, f.send(t, id, &protocol.AbandonUploadRequest{Name: "gone.bin"}))
	assert.Equal(t, enum.Abandoned, f.uploadState(t, id))
	require.Len(t, f.notifier.Events(), 1)
}

func TestUpload_WrongStateRequests(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &protocol.ConfirmChecksumRequest{}))
	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &protocol.RetryUploadRequest{}))

	chunks := chunksFor(t, key, "big.bin", bytes.Repeat([]byte("b"), 1500))
	require.IsType(t, &protocol.AwaitMoreChunksResponse{}, f.send(t, id, chunks[0]))

	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &protocol.ConfirmChecksumRequest{}))
	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &protocol.RetryUploadRequest{}))
	assert.Equal(t, enum.Collecting, f.uploadState(t, id))

	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, protocol.ClientID{0xFF}, &protocol.ConfirmChecksumRequest{}))
}

func TestUpload_DecryptFailureAwaitsResend(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	chunks := chunksFor(t, key, "a.txt", []byte("payload"))
	broken := *chunks[0]
	broken.ContentSize = 17

	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &broken))
	assert.Equal(t, enum.Retrying, f.uploadState(t, id))
}

func TestUpload_PersistFailure(t *testing.T) {
	f := newFixtureWithFiles(t, failingFileStorage{FileStorage: storage.NewFileStorage(t.TempDir())})
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	require.IsType(t, &protocol.UploadCompleteResponse{}, f.upload(t, id, chunksFor(t, key, "a.txt", []byte("x"))))

	assert.IsType(t, &protocol.GeneralErrorResponse{}, f.send(t, id, &protocol.ConfirmChecksumRequest{}))
	assert.Equal(t, enum.Complete, f.uploadState(t, id))
	assert.Empty(t, f.notifier.Events())
}

func TestHandle_MalformedRequestsLeaveStateUnchanged(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, "alice")
	_, key := f.exchangeKeys(t, id, "alice")

	chunks := chunksFor(t, key, "a.txt", bytes.Repeat([]byte("q"), 1500))
	require.IsType(t, &protocol.AwaitMoreChunksResponse{}, f.send(t, id, chunks[0]))

	session, err := f.clients.LookupByID(id)
	require.NoError(t, err)
	keyBefore := bytes.Clone(session.SessionKey())
	chunksBefore := session.Upload().ReceivedChunks()

	frames := []protocol.RequestHeader{
		{ClientID: id, Version: protocol.Version, Code: enum.RequestCode(999)},
		{ClientID: id, Version: protocol.Version, Code: enum.SendFileChunk},
		{ClientID: id, Version: protocol.Version, Code: enum.Register},
		{ClientID: id, Version: protocol.Version, Code: enum.SendPublicKey},
	}
	payloads := [][]byte{
		make([]byte, protocol.NameSize),
		make([]byte, 100),
		make([]byte, protocol.NameSize+1),
		make([]byte, protocol.NameSize),
	}
	for i, header := range frames {
		header.PayloadSize = uint32(len(payloads[i]))
		resp := f.handler.Handle(header, payloads[i])
		assert.IsType(t, &protocol.GeneralErrorResponse{}, resp, "code %d", header.Code)
	}

	assert.Equal(t, 1, f.clients.Count())
	assert.Equal(t, keyBefore, session.SessionKey())
	assert.Equal(t, chunksBefore, session.Upload().ReceivedChunks())
	assert.Equal(t, enum.Collecting, session.UploadState())
}
