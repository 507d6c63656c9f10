package server_test

import (
	"bytes"
	"hash/crc32"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxogod/secure-upload/src/client/business/uploader"
	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/common/heartbeat"
	"github.com/maxogod/secure-upload/src/common/network"
	"github.com/maxogod/secure-upload/src/server/config"
	"github.com/maxogod/secure-upload/src/server/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Host:              "127.0.0.1",
		Port:              0,
		IdleTimeout:       5 * time.Second,
		MaxPayload:        4096,
		StoragePath:       filepath.Join(dir, "users"),
		DBPath:            filepath.Join(dir, "server.db"),
		ChecksumAlgorithm: crypto.ChecksumCRC32,
	}
}

// startServer runs a server on an ephemeral port and returns it together with
// a channel closed once Serve returns.
func startServer(t *testing.T, conf *config.Config) (*server.Server, <-chan struct{}) {
	s, err := server.NewServer(conf)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	served := make(chan struct{})
	go func() {
		defer close(served)
		s.Serve()
	}()
	t.Cleanup(s.Shutdown)
	return s, served
}

func dial(t *testing.T, s *server.Server) uploader.Uploader {
	conn := network.NewConnection()
	require.NoError(t, conn.Connect(s.Addr(), 3))
	conn.SetIdleTimeout(5 * time.Second)

	u := uploader.NewUploader(conn, crc32.ChecksumIEEE)
	t.Cleanup(func() { u.Close() })
	return u
}

func TestUploadFlow(t *testing.T) {
	conf := testConfig(t)
	s, _ := startServer(t, conf)
	data := bytes.Repeat([]byte("secure upload "), 300)

	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	alice := dial(t, s)
	id, err := alice.Register("alice")
	require.NoError(t, err)
	require.NoError(t, alice.SendPublicKey("alice", key))

	result, err := alice.SendFile("notes.txt", data)
	require.NoError(t, err)
	assert.Equal(t, crc32.ChecksumIEEE(data), result.Checksum)
	assert.Equal(t, 5, result.Chunks)

	stored, err := os.ReadFile(filepath.Join(conf.StoragePath, id.String(), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	t.Run("duplicate name is refused", func(t *testing.T) {
		_, err := dial(t, s).Register("alice")
		assert.ErrorIs(t, err, uploader.ErrNameTaken)
	})

	t.Run("reconnect on a new connection", func(t *testing.T) {
		again := dial(t, s)
		require.NoError(t, again.Reconnect(id, "alice", key))

		_, err := again.SendFile("second.txt", []byte("second file"))
		require.NoError(t, err)
		stored, err := os.ReadFile(filepath.Join(conf.StoragePath, id.String(), "second.txt"))
		require.NoError(t, err)
		assert.Equal(t, []byte("second file"), stored)
	})

	t.Run("reconnect with the wrong name", func(t *testing.T) {
		err := dial(t, s).Reconnect(id, "mallory", key)
		assert.ErrorIs(t, err, uploader.ErrReconnectFailed)
	})
}

func TestUploadWithCksum(t *testing.T) {
	conf := testConfig(t)
	conf.ChecksumAlgorithm = crypto.ChecksumCksum
	s, _ := startServer(t, conf)

	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	conn := network.NewConnection()
	require.NoError(t, conn.Connect(s.Addr(), 3))
	bob := uploader.NewUploader(conn, crypto.Cksum)
	defer bob.Close()

	_, err = bob.Register("bob")
	require.NoError(t, err)
	require.NoError(t, bob.SendPublicKey("bob", key))

	result, err := bob.SendFile("b.txt", []byte("bob's data"))
	require.NoError(t, err)
	assert.Equal(t, crypto.Cksum([]byte("bob's data")), result.Checksum)
}

func TestRegistrySurvivesRestart(t *testing.T) {
	conf := testConfig(t)
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	first, served := startServer(t, conf)
	alice := dial(t, first)
	id, err := alice.Register("alice")
	require.NoError(t, err)
	require.NoError(t, alice.SendPublicKey("alice", key))

	first.Shutdown()
	<-served

	second, _ := startServer(t, conf)
	again := dial(t, second)
	require.NoError(t, again.Reconnect(id, "alice", key))
	_, err = again.SendFile("after-restart.txt", []byte("still here"))
	require.NoError(t, err)
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	s, served := startServer(t, testConfig(t))

	conn := network.NewConnection()
	require.NoError(t, conn.Connect(s.Addr(), 3))
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Shutdown()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown blocked on an idle connection")
	}
	<-served

	conn.SetIdleTimeout(time.Second)
	_, err := conn.ReceiveExact(1)
	assert.Error(t, err)
}

func TestHeartbeatReportsLiveness(t *testing.T) {
	monitor, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer monitor.Close()

	conf := testConfig(t)
	conf.Heartbeat = config.HeartbeatConfig{
		Host:     "127.0.0.1",
		Port:     monitor.LocalAddr().(*net.UDPAddr).Port,
		Interval: 20 * time.Millisecond,
	}
	s, _ := startServer(t, conf)

	alice := dial(t, s)
	_, err = alice.Register("alice")
	require.NoError(t, err)

	buf := make([]byte, 512)
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, monitor.SetReadDeadline(deadline))
		n, _, err := monitor.ReadFromUDP(buf)
		require.NoError(t, err, "no beat reported the registered client")
		beat, err := heartbeat.Decode(buf[:n])
		require.NoError(t, err)
		if beat.Clients == 1 && beat.Connections == 1 {
			return
		}
	}
}
