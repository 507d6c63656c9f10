package protocol

import (
	"fmt"

	"github.com/maxogod/secure-upload/src/common/models/enum"
)

// Response is the server reply. Each implementation carries exactly the
// fields of its response code.
type Response interface {
	Code() enum.ResponseCode
	encode(w *payloadWriter)
}

type RegisteredOkResponse struct {
	ClientID ClientID
}

type NameTakenResponse struct{}

type PublicKeyAckResponse struct {
	ClientID   ClientID
	WrappedKey []byte
}

type UploadCompleteResponse struct {
	ClientID    ClientID
	ContentSize uint32
	FileName    string
	Checksum    uint32
}

type GenericAckResponse struct {
	ClientID ClientID
}

type ReconnectOkResponse struct {
	ClientID   ClientID
	WrappedKey []byte
}

type ReconnectFailedResponse struct {
	ClientID ClientID
}

type GeneralErrorResponse struct{}

type AwaitMoreFileResponse struct {
	ClientID ClientID
}

type AwaitMoreChunksResponse struct {
	ClientID ClientID
}

var responsePayloadSizes = map[enum.ResponseCode]int{
	enum.RegisteredOk:    ClientIDSize,
	enum.NameTaken:       0,
	enum.PublicKeyAck:    ClientIDSize + WrappedKeySize,
	enum.UploadComplete:  ClientIDSize + 4 + NameSize + ChecksumSize,
	enum.GenericAck:      ClientIDSize,
	enum.ReconnectOk:     ClientIDSize + WrappedKeySize,
	enum.ReconnectFailed: ClientIDSize,
	enum.GeneralError:    0,
	enum.AwaitMoreFile:   ClientIDSize,
	enum.AwaitMoreChunks: ClientIDSize,
}

func ResponsePayloadSize(code enum.ResponseCode) (int, bool) {
	size, ok := responsePayloadSizes[code]
	return size, ok
}

// EncodeResponse builds a full response frame, header included.
func EncodeResponse(resp Response) []byte {
	w := &payloadWriter{}
	resp.encode(w)
	payload := w.Bytes()

	header := ResponseHeader{
		Version:     Version,
		Code:        resp.Code(),
		PayloadSize: uint32(len(payload)),
	}
	return append(header.Encode(), payload...)
}

// DecodeResponse is the client side counterpart of EncodeResponse.
func DecodeResponse(code enum.ResponseCode, b []byte) (Response, error) {
	size, ok := responsePayloadSizes[code]
	if !ok {
		return nil, fmt.Errorf("unknown response code %d: %w", code, ErrMalformed)
	}
	if len(b) != size {
		return nil, fmt.Errorf("response %d payload of %d bytes, want %d: %w", code, len(b), size, ErrMalformed)
	}

	r := &payloadReader{b: b}
	switch code {
	case enum.RegisteredOk:
		return &RegisteredOkResponse{ClientID: r.clientID()}, nil
	case enum.NameTaken:
		return &NameTakenResponse{}, nil
	case enum.PublicKeyAck:
		return &PublicKeyAckResponse{ClientID: r.clientID(), WrappedKey: r.bytes(WrappedKeySize)}, nil
	case enum.UploadComplete:
		return &UploadCompleteResponse{
			ClientID:    r.clientID(),
			ContentSize: r.uint32(),
			FileName:    r.name(),
			Checksum:    r.uint32(),
		}, nil
	case enum.GenericAck:
		return &GenericAckResponse{ClientID: r.clientID()}, nil
	case enum.ReconnectOk:
		return &ReconnectOkResponse{ClientID: r.clientID(), WrappedKey: r.bytes(WrappedKeySize)}, nil
	case enum.ReconnectFailed:
		return &ReconnectFailedResponse{ClientID: r.clientID()}, nil
	case enum.GeneralError:
		return &GeneralErrorResponse{}, nil
	case enum.AwaitMoreFile:
		return &AwaitMoreFileResponse{ClientID: r.clientID()}, nil
	default:
		return &AwaitMoreChunksResponse{ClientID: r.clientID()}, nil
	}
}

func (r *RegisteredOkResponse) Code() enum.ResponseCode { return enum.RegisteredOk }
func (r *RegisteredOkResponse) encode(w *payloadWriter) {
	w.clientID(r.ClientID)
}

func (r *NameTakenResponse) Code() enum.ResponseCode { return enum.NameTaken }
func (r *NameTakenResponse) encode(*payloadWriter)  {}

func (r *PublicKeyAckResponse) Code() enum.ResponseCode { return enum.PublicKeyAck }
func (r *PublicKeyAckResponse) encode(w *payloadWriter) {
	w.clientID(r.ClientID)
	w.fixed(r.WrappedKey, WrappedKeySize)
}

func (r *UploadCompleteResponse) Code() enum.ResponseCode { return enum.UploadComplete }
func (r *UploadCompleteResponse) encode(w *payloadWriter) {
	w.clientID(r.ClientID)
	w.uint32(r.ContentSize)
	w.name(r.FileName)
	w.uint32(r.Checksum)
}

func (r *GenericAckResponse) Code() enum.ResponseCode { return enum.GenericAck }
func (r *GenericAckResponse) encode(w *payloadWriter) {
	w.clientID(r.ClientID)
}

func (r *ReconnectOkResponse) Code() enum.ResponseCode { return enum.ReconnectOk }
func (r *ReconnectOkResponse) encode(w *payloadWriter) {
	w.clientID(r.ClientID)
	w.fixed(r.WrappedKey, WrappedKeySize)
}

func (r *ReconnectFailedResponse) Code() enum.ResponseCode { return enum.ReconnectFailed }
func (r *ReconnectFailedResponse) encode(w *payloadWriter) {
	w.clientID(r.ClientID)
}

func (r *GeneralErrorResponse) Code() enum.ResponseCode { return enum.GeneralError }
func (r *GeneralErrorResponse) encode(*payloadWriter)  {}

func (r *AwaitMoreFileResponse) Code() enum.ResponseCode { return enum.AwaitMoreFile }
func (r *AwaitMoreFileResponse) encode(w *payloadWriter) {
	w.clientID(r.ClientID)
}

func (r *AwaitMoreChunksResponse) Code() enum.ResponseCode { return enum.AwaitMoreChunks }
func (r *AwaitMoreChunksResponse) encode(w *payloadWriter) {
	w.clientID(r.ClientID)
}
