// Package crypto encrypts credentials recorded in the local store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretFile is the key file name inside the data dir
const SecretFile = ".secret"

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Sealer encrypts with AES-256-GCM using a key derived from a secret file.
// The file is created with a random secret on first use.
type Sealer struct {
	keyPath string

	once sync.Once
	key  []byte
	err  error
}

// NewSealer creates a sealer backed by the secret at keyPath
func NewSealer(keyPath string) *Sealer {
	return &Sealer{keyPath: keyPath}
}

// getKey loads the encryption key from the secret file
func (s *Sealer) getKey() ([]byte, error) {
	s.once.Do(func() {
		data, err := os.ReadFile(s.keyPath)
		if errors.Is(err, os.ErrNotExist) {
			data, err = s.createSecret()
		}
		if err != nil {
			s.err = fmt.Errorf("failed to read secret key: %w", err)
			return
		}
		// Decode base64 and hash to get 32 bytes for AES-256
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			s.err = fmt.Errorf("failed to decode secret key: %w", err)
			return
		}
		hash := sha256.Sum256(decoded)
		s.key = hash[:]
	})
	return s.key, s.err
}

func (s *Sealer) createSecret() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0700); err != nil {
		return nil, err
	}
	data := []byte(base64.StdEncoding.EncodeToString(raw) + "\n")
	// O_EXCL: if another process won the race, read its secret instead
	f, err := os.OpenFile(s.keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return os.ReadFile(s.keyPath)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	key, err := s.getKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext using AES-GCM and returns standard base64
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext produced by Encrypt
func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
