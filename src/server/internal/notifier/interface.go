package notifier

import (
	"github.com/maxogod/secure-upload/src/common/models/enum"
	"github.com/maxogod/secure-upload/src/common/protocol"
)

// UploadEvent describes how an upload ended.
type UploadEvent struct {
	ClientID   protocol.ClientID
	ClientName string
	FileName   string
	Size       int
	Checksum   uint32
	Retries    int
	State      enum.UploadState
}

// Notifier publishes upload outcomes to whoever is listening.
type Notifier interface {
	// Notify queues the event for publishing. It never blocks the caller.
	Notify(event UploadEvent)

	// Close flushes pending events and releases the connection.
	Close()
}
