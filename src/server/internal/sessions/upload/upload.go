package upload

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/common/models/enum"
	"github.com/maxogod/secure-upload/src/common/protocol"
)

// MaxRetries is the number of failed integrity rounds after which an upload is abandoned.
const MaxRetries = 4

var (
	ErrWrongState = errors.New("wrong upload state")
	ErrDecrypt    = errors.New("reassembled file could not be decrypted")
)

// Chunk is one SendFileChunk request as seen by the reassembler.
type Chunk struct {
	FileName     string
	ContentSize  uint32
	OriginalSize uint32
	Index        uint16
	Total        uint16
	Data         []byte
}

func ChunkFromRequest(req *protocol.FileChunkRequest) Chunk {
	return Chunk{
		FileName:     req.FileName,
		ContentSize:  req.ContentSize,
		OriginalSize: req.OriginalSize,
		Index:        req.ChunkIndex,
		Total:        req.TotalChunks,
		Data:         req.Data,
	}
}

// Upload is the in-flight file of a single client. It is not safe for
// concurrent use; the owning session serializes access.
type Upload struct {
	FileName     string
	ContentSize  uint32
	OriginalSize uint32
	TotalChunks  uint16

	state        enum.UploadState
	chunks       map[uint16][]byte
	retries      int
	plaintext    []byte
	checksum     uint32
	lastActivity time.Time
}

// New opens an upload from the metadata of its first chunk. The chunk itself
// still has to be handed to Accept.
func New(first Chunk) (*Upload, error) {
	if first.Total == 0 {
		return nil, fmt.Errorf("zero chunk count: %w", protocol.ErrMalformed)
	}
	if int(first.ContentSize) > int(first.Total)*protocol.ChunkDataSize {
		return nil, fmt.Errorf("content size %d exceeds %d chunks: %w", first.ContentSize, first.Total, protocol.ErrMalformed)
	}
	return &Upload{
		FileName:     first.FileName,
		ContentSize:  first.ContentSize,
		OriginalSize: first.OriginalSize,
		TotalChunks:  first.Total,
		state:        enum.Collecting,
		chunks:       make(map[uint16][]byte, first.Total),
		lastActivity: time.Now(),
	}, nil
}

func (u *Upload) State() enum.UploadState { return u.state }

func (u *Upload) Retries() int { return u.retries }

func (u *Upload) Checksum() uint32 { return u.checksum }

// Plaintext returns the decrypted file while the upload is Complete.
func (u *Upload) Plaintext() []byte { return u.plaintext }

func (u *Upload) ReceivedChunks() int { return len(u.chunks) }

func (u *Upload) LastActivity() time.Time { return u.lastActivity }

// IsComplete reports whether every index in [1, TotalChunks] is present.
func (u *Upload) IsComplete() bool {
	return len(u.chunks) == int(u.TotalChunks)
}

// Accept stores a chunk, overwriting any previous chunk with the same index.
// Chunks are only taken while Collecting or Retrying; a chunk whose metadata
// disagrees with the upload or whose index is out of range is malformed and
// leaves the upload untouched.
func (u *Upload) Accept(c Chunk) error {
	if u.state != enum.Collecting && u.state != enum.Retrying {
		return fmt.Errorf("chunk while %s: %w", u.state, ErrWrongState)
	}
	if c.FileName != u.FileName || c.Total != u.TotalChunks || c.ContentSize != u.ContentSize {
		return fmt.Errorf("chunk for %q (%d chunks, %d bytes) does not belong to %q: %w",
			c.FileName, c.Total, c.ContentSize, u.FileName, protocol.ErrMalformed)
	}
	if c.Index < 1 || c.Index > u.TotalChunks {
		return fmt.Errorf("chunk index %d outside [1, %d]: %w", c.Index, u.TotalChunks, protocol.ErrMalformed)
	}

	u.chunks[c.Index] = bytes.Clone(c.Data)
	u.state = enum.Collecting
	u.lastActivity = time.Now()
	return nil
}

// Assemble concatenates the chunks in index order, cuts the stream to the
// declared content size, decrypts it and computes the checksum of the
// plaintext. On success the upload is Complete. A decryption failure drops
// every chunk and leaves the upload Retrying so the client can resend.
func (u *Upload) Assemble(key []byte, checksum crypto.ChecksumFunc) error {
	if u.state != enum.Collecting || !u.IsComplete() {
		return fmt.Errorf("assemble while %s with %d/%d chunks: %w", u.state, len(u.chunks), u.TotalChunks, ErrWrongState)
	}

	indexes := make([]uint16, 0, len(u.chunks))
	for index := range u.chunks {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)

	ciphertext := make([]byte, 0, int(u.TotalChunks)*protocol.ChunkDataSize)
	for _, index := range indexes {
		ciphertext = append(ciphertext, u.chunks[index]...)
	}
	if int(u.ContentSize) < len(ciphertext) {
		ciphertext = ciphertext[:u.ContentSize]
	}

	plaintext, err := crypto.DecryptCBC(key, ciphertext)
	if err != nil {
		u.clearChunks()
		u.state = enum.Retrying
		return fmt.Errorf("%v: %w", err, ErrDecrypt)
	}

	u.plaintext = plaintext
	u.checksum = checksum(plaintext)
	u.state = enum.Complete
	u.lastActivity = time.Now()
	return nil
}

// Confirm finalizes a Complete upload. The plaintext must have been persisted
// by the caller beforehand.
func (u *Upload) Confirm() error {
	if u.state != enum.Complete {
		return fmt.Errorf("confirm while %s: %w", u.state, ErrWrongState)
	}
	u.clearChunks()
	u.plaintext = nil
	u.retries = 0
	u.state = enum.Confirmed
	u.lastActivity = time.Now()
	return nil
}

// Retry discards the received file after a checksum mismatch and waits for a
// resend. The round that reaches MaxRetries abandons the upload instead, in
// which case abandoned is true.
func (u *Upload) Retry() (abandoned bool, err error) {
	if u.state != enum.Complete {
		return false, fmt.Errorf("retry while %s: %w", u.state, ErrWrongState)
	}
	u.clearChunks()
	u.plaintext = nil
	u.checksum = 0
	u.retries++
	u.lastActivity = time.Now()

	if u.retries >= MaxRetries {
		u.state = enum.Abandoned
		return true, nil
	}
	u.state = enum.Retrying
	return false, nil
}

// Abandon drops the upload for good. Allowed while Complete or Retrying.
func (u *Upload) Abandon() error {
	if u.state != enum.Complete && u.state != enum.Retrying {
		return fmt.Errorf("abandon while %s: %w", u.state, ErrWrongState)
	}
	u.clearChunks()
	u.plaintext = nil
	u.checksum = 0
	u.state = enum.Abandoned
	u.lastActivity = time.Now()
	return nil
}

func (u *Upload) clearChunks() {
	clear(u.chunks)
}
