package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the AES-256 key length for both master and data keys.
	KeySize = 32
	ivSize  = 12
	tagSize = 16
)

// ErrDecryptionFailed is returned for every decryption problem: wrong key,
// tampered ciphertext, malformed blob. The caller never learns which layer
// failed and never receives partial plaintext.
var ErrDecryptionFailed = errors.New("decryption failed")

// ParseMasterKey decodes the process master key from its 64-hex-character
// environment representation. Anything else is a startup error.
func ParseMasterKey(s string) ([]byte, error) {
	if len(s) != KeySize*2 {
		return nil, fmt.Errorf("master key must be %d hex characters, got %d", KeySize*2, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return key, nil
}

// GenerateDataKey returns a fresh random 256-bit data key.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with AES-256-GCM and a random 96-bit IV,
// serialized as base64(iv):base64(data):base64(tag).
func Seal(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	data, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return encodeBlob(iv, data, tag), nil
}

// Open reverses Seal. Any authentication failure or malformed blob yields
// ErrDecryptionFailed.
func Open(key []byte, blob string) ([]byte, error) {
	iv, data, tag, err := decodeBlob(blob)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := gcm.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// WrapDataKey encrypts a data key under the master key.
func WrapDataKey(masterKey, dataKey []byte) (string, error) {
	return Seal(masterKey, dataKey)
}

// UnwrapDataKey recovers a data key wrapped by WrapDataKey.
func UnwrapDataKey(masterKey []byte, wrapped string) ([]byte, error) {
	return Open(masterKey, wrapped)
}

// Encrypt performs envelope encryption: plaintext is sealed under a fresh
// data key, and the data key is sealed under the master key. Both blobs use
// the iv:data:tag serialization.
func Encrypt(plaintext, masterKey []byte) (wrappedDataKey, ciphertext string, err error) {
	dataKey, err := GenerateDataKey()
	if err != nil {
		return "", "", err
	}
	defer Zero(dataKey)
	ciphertext, err = Seal(dataKey, plaintext)
	if err != nil {
		return "", "", err
	}
	wrappedDataKey, err = WrapDataKey(masterKey, dataKey)
	if err != nil {
		return "", "", err
	}
	return wrappedDataKey, ciphertext, nil
}

// Decrypt reverses Encrypt: first unwraps the data key with the master key,
// then opens the ciphertext with the recovered data key. Fails closed with
// ErrDecryptionFailed on any tag mismatch at either layer.
func Decrypt(wrappedDataKey, ciphertext string, masterKey []byte) ([]byte, error) {
	dataKey, err := UnwrapDataKey(masterKey, wrappedDataKey)
	if err != nil {
		return nil, err
	}
	defer Zero(dataKey)
	return Open(dataKey, ciphertext)
}

// Zero overwrites sensitive byte material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encodeBlob(iv, data, tag []byte) string {
	enc := base64.StdEncoding
	return enc.EncodeToString(iv) + ":" + enc.EncodeToString(data) + ":" + enc.EncodeToString(tag)
}

func decodeBlob(blob string) (iv, data, tag []byte, err error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, nil, nil, errors.New("blob must have iv:data:tag form")
	}
	enc := base64.StdEncoding
	if iv, err = enc.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, err
	}
	if data, err = enc.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, err
	}
	if tag, err = enc.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, err
	}
	if len(iv) != ivSize || len(tag) != tagSize {
		return nil, nil, nil, errors.New("blob has invalid iv or tag length")
	}
	return iv, data, tag, nil
}
