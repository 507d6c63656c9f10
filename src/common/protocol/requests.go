package protocol

import (
	"fmt"

	"github.com/maxogod/secure-upload/src/common/models/enum"
)

// Request is a decoded request payload. The set of implementations is closed:
// one struct per request code.
type Request interface {
	Code() enum.RequestCode
	encode(w *payloadWriter)
}

type RegisterRequest struct {
	Name string
}

type PublicKeyRequest struct {
	Name string
	// PublicKey is the raw key slot, trailing padding included.
	PublicKey []byte
}

type ReconnectRequest struct {
	Name string
}

type FileChunkRequest struct {
	ContentSize  uint32
	OriginalSize uint32
	ChunkIndex   uint16
	TotalChunks  uint16
	FileName     string
	// Data is the full chunk slot; only the first ContentSize bytes of the
	// reassembled stream are meaningful.
	Data []byte
}

type ConfirmChecksumRequest struct {
	Name string
}

type RetryUploadRequest struct {
	Name string
}

type AbandonUploadRequest struct {
	Name string
}

var requestPayloadSizes = map[enum.RequestCode]int{
	enum.Register:        NameSize,
	enum.SendPublicKey:   NameSize + PublicKeySize,
	enum.Reconnect:       NameSize,
	enum.SendFileChunk:   4 + 4 + 2 + 2 + NameSize + ChunkDataSize,
	enum.ConfirmChecksum: NameSize,
	enum.RetryUpload:     NameSize,
	enum.AbandonUpload:   NameSize,
}

// RequestPayloadSize returns the fixed payload size of a request code.
func RequestPayloadSize(code enum.RequestCode) (int, bool) {
	size, ok := requestPayloadSizes[code]
	return size, ok
}

// DecodePayload decodes the payload of the given code. Unknown codes and
// payloads whose length differs from the code's fixed size are malformed.
func DecodePayload(code enum.RequestCode, b []byte) (Request, error) {
	size, ok := requestPayloadSizes[code]
	if !ok {
		return nil, fmt.Errorf("unknown request code %d: %w", code, ErrMalformed)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%s payload of %d bytes, want %d: %w", code, len(b), size, ErrMalformed)
	}

	r := &payloadReader{b: b}
	switch code {
	case enum.Register:
		return &RegisterRequest{Name: r.name()}, nil
	case enum.SendPublicKey:
		return &PublicKeyRequest{Name: r.name(), PublicKey: r.bytes(PublicKeySize)}, nil
	case enum.Reconnect:
		return &ReconnectRequest{Name: r.name()}, nil
	case enum.SendFileChunk:
		return &FileChunkRequest{
			ContentSize:  r.uint32(),
			OriginalSize: r.uint32(),
			ChunkIndex:   r.uint16(),
			TotalChunks:  r.uint16(),
			FileName:     r.name(),
			Data:         r.bytes(ChunkDataSize),
		}, nil
	case enum.ConfirmChecksum:
		return &ConfirmChecksumRequest{Name: r.name()}, nil
	case enum.RetryUpload:
		return &RetryUploadRequest{Name: r.name()}, nil
	default:
		return &AbandonUploadRequest{Name: r.name()}, nil
	}
}

// EncodeRequest builds a full request frame, header included.
func EncodeRequest(id ClientID, req Request) []byte {
	w := &payloadWriter{}
	req.encode(w)
	payload := w.Bytes()

	header := RequestHeader{
		ClientID:    id,
		Version:     Version,
		Code:        req.Code(),
		PayloadSize: uint32(len(payload)),
	}
	return append(header.Encode(), payload...)
}

func (r *RegisterRequest) Code() enum.RequestCode { return enum.Register }
func (r *RegisterRequest) encode(w *payloadWriter) {
	w.name(r.Name)
}

func (r *PublicKeyRequest) Code() enum.RequestCode { return enum.SendPublicKey }
func (r *PublicKeyRequest) encode(w *payloadWriter) {
	w.name(r.Name)
	w.fixed(r.PublicKey, PublicKeySize)
}

func (r *ReconnectRequest) Code() enum.RequestCode { return enum.Reconnect }
func (r *ReconnectRequest) encode(w *payloadWriter) {
	w.name(r.Name)
}

func (r *FileChunkRequest) Code() enum.RequestCode { return enum.SendFileChunk }
func (r *FileChunkRequest) encode(w *payloadWriter) {
	w.uint32(r.ContentSize)
	w.uint32(r.OriginalSize)
	w.uint16(r.ChunkIndex)
	w.uint16(r.TotalChunks)
	w.name(r.FileName)
	w.fixed(r.Data, ChunkDataSize)
}

func (r *ConfirmChecksumRequest) Code() enum.RequestCode { return enum.ConfirmChecksum }
func (r *ConfirmChecksumRequest) encode(w *payloadWriter) {
	w.name(r.Name)
}

func (r *RetryUploadRequest) Code() enum.RequestCode { return enum.RetryUpload }
func (r *RetryUploadRequest) encode(w *payloadWriter) {
	w.name(r.Name)
}

func (r *AbandonUploadRequest) Code() enum.RequestCode { return enum.AbandonUpload }
func (r *AbandonUploadRequest) encode(w *payloadWriter) {
	w.name(r.Name)
}
