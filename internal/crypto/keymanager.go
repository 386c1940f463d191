package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrKeyFileNotFound is returned when the key file does not exist.
var ErrKeyFileNotFound = errors.New("key file not found")

// keyFile is the on-disk record of the wrapped store key.
type keyFile struct {
	KEKVersion   int       `json:"kek_version"`
	EncryptedDEK []byte    `json:"encrypted_dek"`
	CreatedAt    time.Time `json:"created_at"`
	RotatedAt    time.Time `json:"rotated_at,omitempty"`
}

// KeyManager keeps the database key wrapped by a KEK derived from the master
// key, so the key file alone cannot open the database.
type KeyManager struct {
	masterKey []byte
	path      string
	scope     string
}

// NewKeyManager manages the key file at path. scope names the store and is
// mixed into KEK derivation.
func NewKeyManager(masterKey []byte, path, scope string) *KeyManager {
	return &KeyManager{masterKey: masterKey, path: path, scope: scope}
}

// KeyFilePath returns the conventional key file location for a database.
func KeyFilePath(databasePath string) string {
	return databasePath + ".key"
}

// GetOrCreateDEK returns the database key, generating and storing a new one
// on first use.
func (km *KeyManager) GetOrCreateDEK() ([]byte, error) {
	dek, err := km.GetDEK()
	if err == nil {
		return dek, nil
	}
	if !errors.Is(err, ErrKeyFileNotFound) {
		return nil, err
	}

	dek, err = GenerateDEK()
	if err != nil {
		return nil, err
	}
	sealed, err := EncryptDEK(DeriveKEK(km.masterKey, km.scope, 1), dek)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt DEK: %w", err)
	}
	if err := km.write(keyFile{KEKVersion: 1, EncryptedDEK: sealed, CreatedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	return dek, nil
}

// GetDEK returns the stored database key.
func (km *KeyManager) GetDEK() ([]byte, error) {
	kf, err := km.read()
	if err != nil {
		return nil, err
	}
	dek, err := DecryptDEK(DeriveKEK(km.masterKey, km.scope, kf.KEKVersion), kf.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap database key (wrong MASTER_KEY?): %w", err)
	}
	return dek, nil
}

// RotateKEK re-wraps the database key under the next KEK version. The
// database key itself does not change.
func (km *KeyManager) RotateKEK() error {
	kf, err := km.read()
	if err != nil {
		return err
	}
	dek, err := DecryptDEK(DeriveKEK(km.masterKey, km.scope, kf.KEKVersion), kf.EncryptedDEK)
	if err != nil {
		return fmt.Errorf("failed to decrypt current DEK: %w", err)
	}

	next := kf.KEKVersion + 1
	sealed, err := EncryptDEK(DeriveKEK(km.masterKey, km.scope, next), dek)
	if err != nil {
		return fmt.Errorf("failed to encrypt DEK with new KEK: %w", err)
	}
	kf.KEKVersion = next
	kf.EncryptedDEK = sealed
	kf.RotatedAt = time.Now().UTC()
	return km.write(kf)
}

// KEKVersion returns the version of the KEK currently wrapping the key.
func (km *KeyManager) KEKVersion() (int, error) {
	kf, err := km.read()
	if err != nil {
		return 0, err
	}
	return kf.KEKVersion, nil
}

func (km *KeyManager) read() (keyFile, error) {
	data, err := os.ReadFile(km.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return keyFile{}, ErrKeyFileNotFound
		}
		return keyFile{}, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return keyFile{}, fmt.Errorf("failed to parse key file: %w", err)
	}
	return kf, nil
}

// write replaces the key file atomically.
func (km *KeyManager) write(kf keyFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(km.path), 0750); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tmp := km.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, km.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace key file: %w", err)
	}
	return nil
}
