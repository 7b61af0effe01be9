package main

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// BlobStore holds the single wallet snapshot document: read once at cold
// start, rewritten after every mutation.
type BlobStore interface {
	// Load returns the document and whether one exists.
	Load() ([]byte, bool, error)
	Save(data []byte) error
	Delete() error
}

// fileBlobStore keeps the snapshot in one file, written atomically via a
// temp file and rename. The snapshot contains the wallet connection secret,
// so an at-rest seal with XChaCha20-Poly1305 is supported when a key is
// configured.
type fileBlobStore struct {
	path string
	aead cipher.AEAD
}

// NewFileBlobStore opens a file-backed store. hexKey is empty for plaintext
// or 64 hex characters for a sealed store.
func NewFileBlobStore(path, hexKey string) (BlobStore, error) {
	s := &fileBlobStore{path: path}
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, errors.New("seal key must be 64 hex characters")
		}
		s.aead, err = chacha20poly1305.NewX(key)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *fileBlobStore) Load() ([]byte, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.aead != nil {
		if len(data) < s.aead.NonceSize() {
			return nil, false, errors.New("sealed snapshot too short")
		}
		nonce, sealed := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
		data, err = s.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, false, fmt.Errorf("unseal snapshot: %w", err)
		}
	}
	return data, true, nil
}

func (s *fileBlobStore) Save(data []byte) error {
	if s.aead != nil {
		nonce := make([]byte, s.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		data = s.aead.Seal(nonce, nonce, data, nil)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileBlobStore) Delete() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
