package network_test

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/models/enum"
	commonNetwork "github.com/maxogod/secure-upload/src/common/network"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger(logger.LoggerEnvDevelopment)
}

// echoHandler answers every request with a GenericAck carrying the sender's id.
type echoHandler struct {
	mu       sync.Mutex
	requests []protocol.RequestHeader
}

func (h *echoHandler) Handle(header protocol.RequestHeader, payload []byte) protocol.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, header)
	return &protocol.GenericAckResponse{ClientID: header.ClientID}
}

func (h *echoHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func serve(t *testing.T, maxPayload uint32) (net.Conn, *echoHandler, chan error, network.ConnectionHandler) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	h := &echoHandler{}
	ch := network.NewConnectionHandler("test", commonNetwork.NewConnectionFromExistent(server), h, 0, maxPayload)
	done := make(chan error, 1)
	go func() { done <- ch.Serve() }()
	return client, h, done, ch
}

func readResponse(t *testing.T, conn net.Conn) (protocol.ResponseHeader, protocol.Response) {
	t.Helper()
	raw := make([]byte, protocol.ResponseHeaderSize)
	_, err := io.ReadFull(conn, raw)
	require.NoError(t, err)
	header, err := protocol.DecodeResponseHeader(raw)
	require.NoError(t, err)

	payload := make([]byte, header.PayloadSize)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(header.Code, payload)
	require.NoError(t, err)
	return header, resp
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServe_AnswersEveryFrame(t *testing.T) {
	client, h, done, ch := serve(t, 4096)
	id := protocol.ClientID{7}

	for range 3 {
		go func() {
			_, _ = client.Write(protocol.EncodeRequest(id, &protocol.ReconnectRequest{Name: "alice"}))
		}()
		header, resp := readResponse(t, client)
		assert.Equal(t, protocol.Version, header.Version)
		assert.Equal(t, enum.GenericAck, header.Code)
		assert.Equal(t, id, resp.(*protocol.GenericAckResponse).ClientID)
	}

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, 3, h.count())
	assert.True(t, ch.IsFinished())
}

func TestServe_ShortHeaderIsFault(t *testing.T) {
	client, h, done, _ := serve(t, 4096)

	_, err := client.Write(make([]byte, protocol.RequestHeaderSize-1))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	assert.ErrorIs(t, waitDone(t, done), commonNetwork.ErrShortRead)
	assert.Equal(t, 0, h.count())
}

func TestServe_MissingPayloadIsFault(t *testing.T) {
	client, h, done, _ := serve(t, 4096)

	frame := protocol.EncodeRequest(protocol.ClientID{1}, &protocol.RegisterRequest{Name: "alice"})
	_, err := client.Write(frame[:protocol.RequestHeaderSize])
	require.NoError(t, err)
	require.NoError(t, client.Close())

	assert.ErrorIs(t, waitDone(t, done), commonNetwork.ErrShortRead)
	assert.Equal(t, 0, h.count())
}

func TestServe_OversizedPayloadIsAnsweredAndSkipped(t *testing.T) {
	client, h, done, ch := serve(t, 4096)

	header := protocol.RequestHeader{Version: protocol.Version, Code: enum.RequestCode(999), PayloadSize: 5000}
	go func() {
		_, _ = client.Write(header.Encode())
		_, _ = client.Write(make([]byte, 5000))
	}()

	respHeader, resp := readResponse(t, client)
	assert.Equal(t, enum.GeneralError, respHeader.Code)
	assert.IsType(t, &protocol.GeneralErrorResponse{}, resp)
	assert.Equal(t, 0, h.count())
	assert.False(t, ch.IsFinished())

	id := protocol.ClientID{9}
	go func() {
		_, _ = client.Write(protocol.EncodeRequest(id, &protocol.ReconnectRequest{Name: "alice"}))
	}()
	respHeader, resp = readResponse(t, client)
	assert.Equal(t, enum.GenericAck, respHeader.Code)
	assert.Equal(t, id, resp.(*protocol.GenericAckResponse).ClientID)
	assert.Equal(t, 1, h.count())

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestServe_OversizedPayloadCutShortIsFault(t *testing.T) {
	client, h, done, _ := serve(t, 100)

	header := protocol.RequestHeader{Version: protocol.Version, Code: enum.Register, PayloadSize: 101}
	_, err := client.Write(header.Encode())
	require.NoError(t, err)
	_, err = client.Write(make([]byte, 50))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	assert.ErrorIs(t, waitDone(t, done), commonNetwork.ErrShortRead)
	assert.Equal(t, 0, h.count())
}

func TestServe_CloseStopsServing(t *testing.T) {
	_, _, done, ch := serve(t, 4096)

	ch.Close()
	assert.NoError(t, waitDone(t, done))
	assert.True(t, ch.IsFinished())
}

func TestConnectionManager_AcceptsOnEphemeralPort(t *testing.T) {
	cm := network.NewConnectionManager("127.0.0.1", 0)
	require.NoError(t, cm.StartListening())
	defer cm.Close()

	accepted := make(chan commonNetwork.ConnectionInterface, 1)
	go func() {
		conn, err := cm.AcceptConnection()
		if err == nil {
			accepted <- conn
		}
	}()

	client := commonNetwork.NewConnection()
	require.NoError(t, client.Connect(cm.Addr(), 1))
	defer client.Close()

	select {
	case conn := <-accepted:
		assert.True(t, conn.IsConnected())
		_ = conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("connection not accepted")
	}
}
