package uploader

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"math"

	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/models/enum"
	"github.com/maxogod/secure-upload/src/common/network"
	"github.com/maxogod/secure-upload/src/common/protocol"
)

const (
	// MaxRequestFails bounds how many times a whole file transfer is resent
	// after the server answered with a general error.
	MaxRequestFails = 3
	// MaxChecksumMismatches is the mismatch count at which the upload is
	// abandoned instead of retried.
	MaxChecksumMismatches = 4
	MaxNameLength         = 100
)

var (
	ErrInvalidName        = errors.New("invalid client name")
	ErrNameTaken          = errors.New("name already registered")
	ErrReconnectFailed    = errors.New("reconnect rejected")
	ErrServerError        = errors.New("server answered with a general error")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrNoSessionKey       = errors.New("no session key")
	ErrChecksumMismatch   = errors.New("checksum mismatch, upload abandoned")
	ErrFileTooLarge       = errors.New("file does not fit in a single upload")
)

type uploader struct {
	conn       network.ConnectionInterface
	checksum   crypto.ChecksumFunc
	id         protocol.ClientID
	sessionKey []byte
}

func NewUploader(conn network.ConnectionInterface, checksum crypto.ChecksumFunc) Uploader {
	return &uploader{
		conn:     conn,
		checksum: checksum,
	}
}

func (u *uploader) ClientID() protocol.ClientID {
	return u.id
}

func (u *uploader) Register(name string) (protocol.ClientID, error) {
	if err := validateName(name); err != nil {
		return protocol.ClientID{}, err
	}

	resp, err := u.roundTrip(&protocol.RegisterRequest{Name: name})
	if err != nil {
		return protocol.ClientID{}, err
	}

	switch r := resp.(type) {
	case *protocol.RegisteredOkResponse:
		u.id = r.ClientID
		logger.Logger.Infof("action: register | name: %s | client: %s | result: success", name, u.id)
		return u.id, nil
	case *protocol.NameTakenResponse:
		return protocol.ClientID{}, fmt.Errorf("%q: %w", name, ErrNameTaken)
	default:
		return protocol.ClientID{}, unexpected(resp)
	}
}

func (u *uploader) SendPublicKey(name string, key *rsa.PrivateKey) error {
	slot, err := crypto.MarshalPublicKeySlot(&key.PublicKey)
	if err != nil {
		return err
	}

	resp, err := u.roundTrip(&protocol.PublicKeyRequest{Name: name, PublicKey: slot})
	if err != nil {
		return err
	}

	r, ok := resp.(*protocol.PublicKeyAckResponse)
	if !ok {
		return unexpected(resp)
	}
	if err := u.adoptSessionKey(key, r.WrappedKey); err != nil {
		return err
	}
	logger.Logger.Infof("action: send_public_key | client: %s | result: success", u.id)
	return nil
}

func (u *uploader) Reconnect(id protocol.ClientID, name string, key *rsa.PrivateKey) error {
	if err := validateName(name); err != nil {
		return err
	}
	u.id = id

	resp, err := u.roundTrip(&protocol.ReconnectRequest{Name: name})
	if err != nil {
		return err
	}

	switch r := resp.(type) {
	case *protocol.ReconnectOkResponse:
		if err := u.adoptSessionKey(key, r.WrappedKey); err != nil {
			return err
		}
		logger.Logger.Infof("action: reconnect | client: %s | result: success", u.id)
		return nil
	case *protocol.ReconnectFailedResponse:
		u.id = protocol.ClientID{}
		return fmt.Errorf("%q: %w", name, ErrReconnectFailed)
	default:
		return unexpected(resp)
	}
}

func (u *uploader) SendFile(fileName string, data []byte) (Result, error) {
	var result Result
	if len(u.sessionKey) == 0 {
		return result, ErrNoSessionKey
	}

	expected := u.checksum(data)
	requestFails, mismatches := 0, 0

	for {
		result.Attempts++
		complete, chunks, err := u.transfer(fileName, data)
		result.Chunks = chunks
		if errors.Is(err, ErrServerError) {
			requestFails++
			logger.Logger.Warnf("action: send_file | file: %s | attempt: %d | result: fail | error: %v", fileName, result.Attempts, err)
			if requestFails == MaxRequestFails {
				return result, err
			}
			continue
		}
		if err != nil {
			return result, err
		}

		result.Checksum = complete.Checksum
		if complete.Checksum == expected {
			return result, u.expectAck(&protocol.ConfirmChecksumRequest{Name: fileName})
		}

		mismatches++
		logger.Logger.Warnf("action: verify_checksum | file: %s | local: %d | server: %d | result: mismatch", fileName, expected, complete.Checksum)
		if mismatches == MaxChecksumMismatches {
			if err := u.expectAck(&protocol.AbandonUploadRequest{Name: fileName}); err != nil {
				return result, err
			}
			return result, ErrChecksumMismatch
		}

		resp, err := u.roundTrip(&protocol.RetryUploadRequest{Name: fileName})
		if err != nil {
			return result, err
		}
		switch resp.(type) {
		case *protocol.AwaitMoreFileResponse:
		case *protocol.GenericAckResponse:
			// The server ran out of retries first and abandoned the upload.
			return result, ErrChecksumMismatch
		default:
			return result, unexpected(resp)
		}
	}
}

func (u *uploader) Close() error {
	return u.conn.Close()
}

/* --- UTILS PRIVATE METHODS --- */

// transfer sends every chunk of the encrypted file and returns the server's
// completion report.
func (u *uploader) transfer(fileName string, data []byte) (*protocol.UploadCompleteResponse, int, error) {
	ciphertext, err := crypto.EncryptCBC(u.sessionKey, data)
	if err != nil {
		return nil, 0, err
	}

	total := (len(ciphertext) + protocol.ChunkDataSize - 1) / protocol.ChunkDataSize
	if total > math.MaxUint16 || uint64(len(data)) > math.MaxUint32 {
		return nil, 0, ErrFileTooLarge
	}

	for i := range total {
		end := min((i+1)*protocol.ChunkDataSize, len(ciphertext))
		chunk := &protocol.FileChunkRequest{
			ContentSize:  uint32(len(ciphertext)),
			OriginalSize: uint32(len(data)),
			ChunkIndex:   uint16(i + 1),
			TotalChunks:  uint16(total),
			FileName:     fileName,
			Data:         ciphertext[i*protocol.ChunkDataSize : end],
		}

		resp, err := u.roundTrip(chunk)
		if err != nil {
			return nil, i, err
		}

		switch r := resp.(type) {
		case *protocol.AwaitMoreChunksResponse:
			if i+1 == total {
				return nil, total, unexpected(resp)
			}
		case *protocol.UploadCompleteResponse:
			if i+1 != total {
				return nil, i + 1, unexpected(resp)
			}
			logger.Logger.Debugf("action: send_file | file: %s | chunks: %d | result: complete", fileName, total)
			return r, total, nil
		default:
			return nil, i + 1, unexpected(resp)
		}
	}
	return nil, total, unexpected(nil)
}

func (u *uploader) expectAck(req protocol.Request) error {
	resp, err := u.roundTrip(req)
	if err != nil {
		return err
	}
	if _, ok := resp.(*protocol.GenericAckResponse); !ok {
		return unexpected(resp)
	}
	logger.Logger.Infof("action: %s | client: %s | result: success", req.Code(), u.id)
	return nil
}

func (u *uploader) adoptSessionKey(key *rsa.PrivateKey, wrapped []byte) error {
	sessionKey, err := crypto.UnwrapKey(key, wrapped)
	if err != nil {
		return fmt.Errorf("unwrap session key: %w", err)
	}
	if len(sessionKey) != crypto.SessionKeySize {
		return fmt.Errorf("session key of %d bytes: %w", len(sessionKey), crypto.ErrBadKey)
	}
	u.sessionKey = sessionKey
	return nil
}

// roundTrip sends one request frame and reads exactly one response frame.
// A general error reply is turned into ErrServerError.
func (u *uploader) roundTrip(req protocol.Request) (protocol.Response, error) {
	if err := u.conn.SendData(protocol.EncodeRequest(u.id, req)); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Code(), err)
	}

	headerBytes, err := u.conn.ReceiveExact(protocol.ResponseHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("receive %s response: %w", req.Code(), err)
	}
	header, err := protocol.DecodeResponseHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	size, ok := protocol.ResponsePayloadSize(header.Code)
	if !ok || int(header.PayloadSize) != size {
		return nil, fmt.Errorf("response %d with payload of %d bytes: %w", header.Code, header.PayloadSize, protocol.ErrMalformed)
	}

	var payload []byte
	if size > 0 {
		if payload, err = u.conn.ReceiveExact(size); err != nil {
			return nil, fmt.Errorf("receive %s response: %w", req.Code(), err)
		}
	}

	resp, err := protocol.DecodeResponse(header.Code, payload)
	if err != nil {
		return nil, err
	}
	if header.Code == enum.GeneralError {
		return nil, fmt.Errorf("%s: %w", req.Code(), ErrServerError)
	}
	return resp, nil
}

func validateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

func unexpected(resp protocol.Response) error {
	if resp == nil {
		return ErrUnexpectedResponse
	}
	return fmt.Errorf("response %d: %w", resp.Code(), ErrUnexpectedResponse)
}
