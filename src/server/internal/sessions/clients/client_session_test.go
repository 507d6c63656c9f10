package clients_test

import (
	"testing"
	"time"

	"github.com/maxogod/secure-upload/src/common/models/enum"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/clients"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSession_Fields(t *testing.T) {
	id := protocol.ClientID{1, 2, 3}
	cs := clients.NewClientSession(id, "alice")

	assert.Equal(t, id, cs.ID())
	assert.Equal(t, "alice", cs.Name())
	assert.False(t, cs.HasSessionKey())
	assert.Nil(t, cs.PublicKey())
	assert.Equal(t, enum.NoUpload, cs.UploadState())

	cs.SetSessionKey([]byte{9})
	assert.True(t, cs.HasSessionKey())

	u, err := upload.New(upload.Chunk{FileName: "f", Index: 1, Total: 1, ContentSize: 16})
	require.NoError(t, err)
	cs.SetUpload(u)
	assert.Equal(t, enum.Collecting, cs.UploadState())
	cs.ClearUpload()
	assert.Equal(t, enum.NoUpload, cs.UploadState())

	at := time.Now().Add(time.Hour)
	cs.Touch(at)
	assert.Equal(t, at, cs.LastSeen())
}

func TestClientSession_TryLock(t *testing.T) {
	cs := clients.NewClientSession(protocol.ClientID{1}, "bob")

	cs.Lock()
	assert.False(t, cs.TryLock())
	cs.Unlock()

	require.True(t, cs.TryLock())
	cs.Unlock()
}
