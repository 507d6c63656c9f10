package network

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/network"
	"github.com/maxogod/secure-upload/src/common/poison"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/maxogod/secure-upload/src/server/internal/handler"
)

var ErrPayloadTooLarge = errors.New("payload exceeds the configured maximum")

type connectionHandler struct {
	id             string
	connection     network.ConnectionInterface
	requestHandler handler.RequestHandler
	maxPayload     uint32
	finished       atomic.Bool
	closed         atomic.Bool
}

// NewConnectionHandler serves conn with the given handler. idleTimeout bounds
// each read and zero disables it. Payloads announcing more than maxPayload bytes
// are dropped unread and answered with a GeneralError.
func NewConnectionHandler(id string, conn network.ConnectionInterface, requestHandler handler.RequestHandler, idleTimeout time.Duration, maxPayload uint32) ConnectionHandler {
	conn.SetIdleTimeout(idleTimeout)
	return &connectionHandler{
		id:             id,
		connection:     conn,
		requestHandler: requestHandler,
		maxPayload:     maxPayload,
	}
}

func (ch *connectionHandler) Serve() error {
	defer ch.finished.Store(true)
	defer ch.Close()

	logger.Logger.Debugf("[%s] action: serve_connection | peer: %s | result: started", ch.id, ch.connection.RemoteAddr())

	for {
		rawHeader, err := ch.connection.ReceiveExact(protocol.RequestHeaderSize)
		if errors.Is(err, io.EOF) {
			logger.Logger.Debugf("[%s] action: serve_connection | result: peer_disconnected", ch.id)
			return nil
		}
		if err != nil {
			return ch.fault("read header", err)
		}

		header, err := protocol.DecodeRequestHeader(rawHeader)
		if err != nil {
			return ch.fault("decode header", err)
		}

		var response protocol.Response
		if header.PayloadSize > ch.maxPayload {
			if err = ch.drop(header); err != nil {
				return ch.fault("discard payload", err)
			}
			response = &protocol.GeneralErrorResponse{}
		} else {
			payload, err := ch.connection.ReceiveExact(int(header.PayloadSize))
			if errors.Is(err, io.EOF) {
				err = network.ErrShortRead
			}
			if err != nil {
				return ch.fault("read payload", err)
			}

			response = ch.requestHandler.Handle(header, payload)
			poison.ExitIfPoisoned()
		}
		if err = ch.connection.SendData(protocol.EncodeResponse(response)); err != nil {
			return ch.fault("send response", err)
		}
		logger.Logger.Debugf("[%s] action: respond | request: %s | response: %d", ch.id, header.Code, response.Code())
	}
}

func (ch *connectionHandler) IsFinished() bool {
	return ch.finished.Load()
}

func (ch *connectionHandler) Close() {
	if ch.closed.Swap(true) {
		return
	}
	if err := ch.connection.Close(); err != nil {
		logger.Logger.Warnf("[%s] action: close_connection | result: fail | error: %v", ch.id, err)
	}
}

// drop reads past an oversized payload so the next frame starts aligned.
func (ch *connectionHandler) drop(header protocol.RequestHeader) error {
	logger.Logger.Warnf("[%s] action: read_payload | request: %s | result: dropped | error: %d bytes: %v",
		ch.id, header.Code, header.PayloadSize, ErrPayloadTooLarge)

	err := ch.connection.Discard(int64(header.PayloadSize))
	if errors.Is(err, io.EOF) {
		err = network.ErrShortRead
	}
	return err
}

func (ch *connectionHandler) fault(action string, err error) error {
	if ch.closed.Load() {
		// closed locally, most likely on shutdown
		return nil
	}
	logger.Logger.Warnf("[%s] action: %s | result: connection_fault | error: %v", ch.id, action, err)
	return fmt.Errorf("%s: %w", action, err)
}
