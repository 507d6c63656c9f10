package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	metaExtension = ".meta"
	tmpExtension  = ".tmp"
)

var ErrInvalidFileName = errors.New("invalid file name")

type diskFileStorage struct {
	basePath string
}

func NewFileStorage(basePath string) FileStorage {
	return &diskFileStorage{basePath: basePath}
}

func (fs *diskFileStorage) MakeClientArea(id protocol.ClientID) error {
	if err := os.MkdirAll(fs.clientDir(id), 0o755); err != nil {
		return fmt.Errorf("unable to create client area for %s: %w", id, err)
	}
	return nil
}

func (fs *diskFileStorage) Persist(id protocol.ClientID, fileName string, data []byte) error {
	name, err := sanitizeFileName(fileName)
	if err != nil {
		return err
	}
	if err = fs.MakeClientArea(id); err != nil {
		return err
	}

	path := filepath.Join(fs.clientDir(id), name)
	if err = writeAtomically(path, data); err != nil {
		return fmt.Errorf("failed to persist %s for client %s: %w", name, id, err)
	}

	meta, err := structpb.NewStruct(map[string]any{
		"client_id": id.String(),
		"file_name": name,
		"size":      len(data),
		"stored_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to build metadata: %w", err)
	}
	metaBytes, err := proto.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err = writeAtomically(path+metaExtension, metaBytes); err != nil {
		return fmt.Errorf("failed to persist metadata of %s: %w", name, err)
	}

	logger.Logger.Debugf("action: persist_file | client: %s | file: %s | size: %d | result: success", id, name, len(data))
	return nil
}

func (fs *diskFileStorage) ReadMetadata(id protocol.ClientID, fileName string) (*FileMetadata, error) {
	name, err := sanitizeFileName(fileName)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(fs.clientDir(id), name+metaExtension))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata of %s: %w", name, err)
	}
	meta := &structpb.Struct{}
	if err = proto.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata of %s: %w", name, err)
	}

	fields := meta.GetFields()
	storedAt, err := time.Parse(time.RFC3339Nano, fields["stored_at"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("bad stored_at in metadata of %s: %w", name, err)
	}
	return &FileMetadata{
		ClientID: id,
		FileName: fields["file_name"].GetStringValue(),
		Size:     int(fields["size"].GetNumberValue()),
		StoredAt: storedAt,
	}, nil
}

func (fs *diskFileStorage) RemoveClientArea(id protocol.ClientID) error {
	if err := os.RemoveAll(fs.clientDir(id)); err != nil {
		return fmt.Errorf("unable to remove client area for %s: %w", id, err)
	}
	return nil
}

/* --- PRIVATE METHODS --- */

func (fs *diskFileStorage) clientDir(id protocol.ClientID) string {
	return filepath.Join(fs.basePath, id.String())
}

// sanitizeFileName keeps the base name only, so a client can never write
// outside of its own area.
func sanitizeFileName(fileName string) (string, error) {
	name := filepath.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" || strings.HasSuffix(name, metaExtension) {
		return "", fmt.Errorf("%q: %w", fileName, ErrInvalidFileName)
	}
	return name, nil
}

func writeAtomically(path string, data []byte) error {
	tmp := path + tmpExtension
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
