package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/maxogod/secure-upload/src/common/models/enum"
)

const (
	Version uint8 = 3

	ClientIDSize       = 16
	RequestHeaderSize  = ClientIDSize + 1 + 2 + 4
	ResponseHeaderSize = 1 + 2 + 4

	NameSize       = 255
	PublicKeySize  = 160
	WrappedKeySize = 128
	ChunkDataSize  = 1024
	ChecksumSize   = 4
)

// ErrMalformed is returned for any header or payload that does not match the
// fixed layout of its code, including unknown codes.
var ErrMalformed = errors.New("malformed message")

type ClientID [ClientIDSize]byte

func (id ClientID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ClientID) IsZero() bool {
	return id == ClientID{}
}

// ParseClientID reads the 32 hex chars form produced by String.
func ParseClientID(s string) (ClientID, error) {
	var id ClientID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != ClientIDSize {
		return id, fmt.Errorf("invalid client id %q: %w", s, ErrMalformed)
	}
	copy(id[:], raw)
	return id, nil
}

type RequestHeader struct {
	ClientID    ClientID
	Version     uint8
	Code        enum.RequestCode
	PayloadSize uint32
}

func DecodeRequestHeader(b []byte) (RequestHeader, error) {
	var h RequestHeader
	if len(b) != RequestHeaderSize {
		return h, fmt.Errorf("request header of %d bytes: %w", len(b), ErrMalformed)
	}
	copy(h.ClientID[:], b[:ClientIDSize])
	h.Version = b[ClientIDSize]
	h.Code = enum.RequestCode(binary.LittleEndian.Uint16(b[ClientIDSize+1:]))
	h.PayloadSize = binary.LittleEndian.Uint32(b[ClientIDSize+3:])
	return h, nil
}

func (h RequestHeader) Encode() []byte {
	b := make([]byte, RequestHeaderSize)
	copy(b, h.ClientID[:])
	b[ClientIDSize] = h.Version
	binary.LittleEndian.PutUint16(b[ClientIDSize+1:], uint16(h.Code))
	binary.LittleEndian.PutUint32(b[ClientIDSize+3:], h.PayloadSize)
	return b
}

type ResponseHeader struct {
	Version     uint8
	Code        enum.ResponseCode
	PayloadSize uint32
}

func DecodeResponseHeader(b []byte) (ResponseHeader, error) {
	var h ResponseHeader
	if len(b) != ResponseHeaderSize {
		return h, fmt.Errorf("response header of %d bytes: %w", len(b), ErrMalformed)
	}
	h.Version = b[0]
	h.Code = enum.ResponseCode(binary.LittleEndian.Uint16(b[1:]))
	h.PayloadSize = binary.LittleEndian.Uint32(b[3:])
	return h, nil
}

func (h ResponseHeader) Encode() []byte {
	b := make([]byte, ResponseHeaderSize)
	b[0] = h.Version
	binary.LittleEndian.PutUint16(b[1:], uint16(h.Code))
	binary.LittleEndian.PutUint32(b[3:], h.PayloadSize)
	return b
}
