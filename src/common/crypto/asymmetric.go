package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const (
	RSAKeyBits = 1024
	// PublicKeySlotSize is the fixed capacity reserved for a DER public key on the wire.
	PublicKeySlotSize = 160
)

var (
	ErrBadPublicKey = errors.New("invalid public key")
	ErrKeyTooLarge  = errors.New("public key does not fit its slot")
)

func GenerateKeyPair() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeyBits)
}

// ParsePublicKey reads the DER element at the start of a key slot, ignoring
// whatever padding follows it. Both SubjectPublicKeyInfo and PKCS#1 encodings
// are accepted. The modulus must be RSAKeyBits long.
func ParsePublicKey(slot []byte) (*rsa.PublicKey, error) {
	input := cryptobyte.String(slot)
	var element cryptobyte.String
	if !input.ReadASN1Element(&element, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("no DER sequence in key slot: %w", ErrBadPublicKey)
	}

	var key *rsa.PublicKey
	if parsed, err := x509.ParsePKIXPublicKey(element); err == nil {
		rsaKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T: %w", parsed, ErrBadPublicKey)
		}
		key = rsaKey
	} else {
		rsaKey, err := x509.ParsePKCS1PublicKey(element)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrBadPublicKey)
		}
		key = rsaKey
	}

	if key.N.BitLen() != RSAKeyBits {
		return nil, fmt.Errorf("modulus of %d bits, want %d: %w", key.N.BitLen(), RSAKeyBits, ErrBadPublicKey)
	}
	return key, nil
}

// MarshalPublicKeySlot encodes the key as PKCS#1 DER, zero padded to PublicKeySlotSize.
func MarshalPublicKeySlot(key *rsa.PublicKey) ([]byte, error) {
	der := x509.MarshalPKCS1PublicKey(key)
	if len(der) > PublicKeySlotSize {
		return nil, fmt.Errorf("%d bytes: %w", len(der), ErrKeyTooLarge)
	}
	slot := make([]byte, PublicKeySlotSize)
	copy(slot, der)
	return slot, nil
}

// WrapKey encrypts a symmetric key with RSA-OAEP over SHA-1.
func WrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
}

func UnwrapKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, wrapped, nil)
}
