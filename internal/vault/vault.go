// Package vault is the client's durable local state: opaque keyed blobs,
// encrypted at rest with the conversation key. The pending send buffer,
// the seen-id set and the remembered peer identity all live here so they
// survive process restarts.
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	apperrors "deaddrop/internal/errors"
	"deaddrop/internal/security"
	"deaddrop/pkg/envelope"
)

// Well-known blob keys used by the delivery pipeline.
const (
	KeyPendingBuffer = "pending"
	KeySeenIDs       = "seen"
	KeyLastPeer      = "peer"
)

type Vault struct {
	dir    string
	key    envelope.Key
	logger *logrus.Logger
}

func New(dir string, key envelope.Key, logger *logrus.Logger) (*Vault, error) {
	if err := security.ValidateFilePath(dir); err != nil {
		return nil, fmt.Errorf("invalid vault directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, apperrors.NewVaultError("init", err)
	}

	return &Vault{dir: dir, key: key, logger: logger}, nil
}

// Save marshals v, encrypts it and writes it under key. The write goes
// through a temp file and rename so a crash cannot leave a torn blob.
func (v *Vault) Save(key string, value interface{}) error {
	if err := security.ValidateKeyWithBase(key, v.dir); err != nil {
		return apperrors.NewVaultError("save", err)
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return apperrors.NewVaultError("save", err)
	}

	sealed, err := envelope.Encrypt(string(plaintext), v.key)
	if err != nil {
		return apperrors.NewVaultError("save", err)
	}

	path := v.blobPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sealed), 0600); err != nil {
		return apperrors.NewVaultError("save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.NewVaultError("save", err)
	}

	return nil
}

// Load reads and decrypts the blob under key into out. A missing blob
// returns found=false with no error; an undecryptable blob is an error so
// the caller can decide whether to start fresh.
func (v *Vault) Load(key string, out interface{}) (found bool, err error) {
	if err := security.ValidateKeyWithBase(key, v.dir); err != nil {
		return false, apperrors.NewVaultError("load", err)
	}

	sealed, err := os.ReadFile(v.blobPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewVaultError("load", err)
	}

	plaintext, err := envelope.Decrypt(string(sealed), v.key)
	if err != nil {
		return false, apperrors.NewVaultError("load", err)
	}

	if err := json.Unmarshal([]byte(plaintext), out); err != nil {
		return false, apperrors.NewVaultError("load", err)
	}

	return true, nil
}

// Delete removes the blob under key. Missing blobs are a no-op.
func (v *Vault) Delete(key string) error {
	if err := security.ValidateKeyWithBase(key, v.dir); err != nil {
		return apperrors.NewVaultError("delete", err)
	}

	err := os.Remove(v.blobPath(key))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.NewVaultError("delete", err)
	}
	return nil
}

// Nuke wipes every blob. This backs the remote-wipe control command, so it
// removes files individually rather than trusting the directory to contain
// only ours.
func (v *Vault) Nuke() error {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return apperrors.NewVaultError("nuke", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(v.dir, entry.Name())); err != nil {
			return apperrors.NewVaultError("nuke", err)
		}
	}

	v.logger.Warn("Vault wiped")
	return nil
}

func (v *Vault) blobPath(key string) string {
	return filepath.Join(v.dir, key+".blob")
}
