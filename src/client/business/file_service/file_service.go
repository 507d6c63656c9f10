package file_service

import (
	"bufio"
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/protocol"
	"github.com/pkg/errors"
)

const (
	MaxNameLength = 100
	keyLineWidth  = 64
)

var ErrInvalidIdentity = errors.New("invalid identity file")

type fileService struct {
	infoPath string
	keyPath  string
}

func NewFileService(infoPath, keyPath string) FileService {
	return &fileService{
		infoPath: infoPath,
		keyPath:  keyPath,
	}
}

func (fs *fileService) ReadUpload(path string) (string, []byte, error) {
	logger.Logger.Debugln("Reading upload file:", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to read %s", path)
	}

	name := filepath.Base(path)
	if len(name) >= protocol.NameSize {
		return "", nil, errors.Errorf("file name %q longer than %d bytes", name, protocol.NameSize-1)
	}
	return name, data, nil
}

func (fs *fileService) LoadIdentity() (*Identity, error) {
	file, err := os.Open(fs.infoPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", fs.infoPath)
	}
	defer file.Close()

	var name, hexID string
	var encodedKey strings.Builder
	scanner := bufio.NewScanner(file)
	for line := 0; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		switch line {
		case 0:
			name = text
		case 1:
			hexID = text
		default:
			encodedKey.WriteString(text)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", fs.infoPath)
	}

	if name == "" || len(name) > MaxNameLength {
		return nil, errors.Wrapf(ErrInvalidIdentity, "name %q", name)
	}
	id, err := protocol.ParseClientID(hexID)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidIdentity, "client id %q", hexID)
	}

	keyFile, err := os.ReadFile(fs.keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", fs.keyPath)
	}
	if strings.Join(strings.Fields(string(keyFile)), "") != encodedKey.String() {
		return nil, errors.Wrapf(ErrInvalidIdentity, "%s does not match %s", fs.keyPath, fs.infoPath)
	}

	der, err := base64.StdEncoding.DecodeString(encodedKey.String())
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidIdentity, "private key encoding: %v", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidIdentity, "private key: %v", err)
	}

	return &Identity{Name: name, ClientID: id, PrivateKey: key}, nil
}

func (fs *fileService) SaveIdentity(identity *Identity) error {
	logger.Logger.Debugln("Saving identity to:", fs.infoPath)

	encodedKey := encodeKey(identity)

	var info bytes.Buffer
	info.WriteString(identity.Name + "\n")
	info.WriteString(identity.ClientID.String() + "\n")
	info.Write(encodedKey)

	if err := os.WriteFile(fs.keyPath, encodedKey, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", fs.keyPath)
	}
	if err := os.WriteFile(fs.infoPath, info.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write %s", fs.infoPath)
	}
	return nil
}

// encodeKey returns the base64 PKCS#1 private key wrapped in fixed width lines.
func encodeKey(identity *Identity) []byte {
	encoded := base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(identity.PrivateKey))

	var out bytes.Buffer
	for len(encoded) > keyLineWidth {
		out.WriteString(encoded[:keyLineWidth] + "\n")
		encoded = encoded[keyLineWidth:]
	}
	out.WriteString(encoded + "\n")
	return out.Bytes()
}
