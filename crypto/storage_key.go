package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const storageKeyPEMType = "GIGLINK STORAGE KEY"

// EnsureStorageKey loads the local storage key from disk, generating it on first run.
func EnsureStorageKey(path string) ([]byte, error) {
	key, err := LoadStorageKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate storage key: %w", err)
	}
	if err := SaveStorageKey(path, key); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadStorageKey loads a storage key from a PEM file.
func LoadStorageKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read storage key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode storage key PEM: no PEM block")
	}
	if block.Type != storageKeyPEMType {
		return nil, fmt.Errorf("decode storage key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("decode storage key PEM: invalid key size %d", len(block.Bytes))
	}

	return block.Bytes, nil
}

// SaveStorageKey writes a storage key PEM file with 0600 permissions.
func SaveStorageKey(path string, key []byte) error {
	if len(key) != chacha20poly1305.KeySize {
		return fmt.Errorf("save storage key: invalid key size %d", len(key))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{
		Type:  storageKeyPEMType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write storage key: %w", err)
	}

	return nil
}
