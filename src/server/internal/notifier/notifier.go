package notifier

import (
	"sync"
	"time"

	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/middleware"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	EXCHANGE_NAME = "upload_events"
	EXCHANGE_TYPE = "fanout"
	queueSize     = 256
)

type noopNotifier struct{}

func (noopNotifier) Notify(UploadEvent) {}
func (noopNotifier) Close()             {}

type middlewareNotifier struct {
	publisher middleware.MessageMiddleware
	events    chan UploadEvent
	closeOnce sync.Once
	done      chan struct{}
}

// NewNotifier connects to the broker at address. An empty address, or a
// broker that cannot be reached, yields a notifier that drops every event.
func NewNotifier(address string) Notifier {
	if address == "" {
		return noopNotifier{}
	}
	publisher, err := middleware.NewExchangeMiddleware(address, EXCHANGE_NAME, EXCHANGE_TYPE, nil)
	if err != nil {
		logger.Logger.Warnf("action: connect_notifier | result: fail | error: %v | upload events disabled", err)
		return noopNotifier{}
	}
	return NewMiddlewareNotifier(publisher)
}

// NewMiddlewareNotifier publishes events through the given middleware from a
// single background routine.
func NewMiddlewareNotifier(publisher middleware.MessageMiddleware) Notifier {
	n := &middlewareNotifier{
		publisher: publisher,
		events:    make(chan UploadEvent, queueSize),
		done:      make(chan struct{}),
	}
	go n.publishLoop()
	return n
}

func (n *middlewareNotifier) Notify(event UploadEvent) {
	select {
	case n.events <- event:
	default:
		logger.Logger.Warnf("action: notify_upload | client: %s | file: %s | result: dropped | reason: queue full",
			event.ClientID, event.FileName)
	}
}

func (n *middlewareNotifier) Close() {
	n.closeOnce.Do(func() {
		close(n.events)
		<-n.done
		if e := n.publisher.Close(); e != middleware.MessageMiddlewareSuccess {
			logger.Logger.Errorf("action: close_notifier | result: fail | code: %d", e)
		}
	})
}

func (n *middlewareNotifier) publishLoop() {
	defer close(n.done)
	for event := range n.events {
		payload, err := EncodeEvent(event)
		if err != nil {
			logger.Logger.Errorf("action: encode_upload_event | result: fail | error: %v", err)
			continue
		}
		if e := n.publisher.Send(payload); e != middleware.MessageMiddlewareSuccess {
			logger.Logger.Errorf("action: publish_upload_event | client: %s | result: fail | code: %d", event.ClientID, e)
			continue
		}
		logger.Logger.Debugf("action: publish_upload_event | client: %s | file: %s | state: %s | result: success",
			event.ClientID, event.FileName, event.State)
	}
}

// EncodeEvent serializes an event as a protobuf Struct.
func EncodeEvent(event UploadEvent) ([]byte, error) {
	payload, err := structpb.NewStruct(map[string]any{
		"client_id":   event.ClientID.String(),
		"client_name": event.ClientName,
		"file_name":   event.FileName,
		"size":        event.Size,
		"checksum":    int64(event.Checksum),
		"retries":     event.Retries,
		"state":       event.State.String(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(payload)
}
