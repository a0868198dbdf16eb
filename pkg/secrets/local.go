package secrets

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/openfroyo/tgworker/pkg/stores"
	"github.com/openfroyo/tgworker/pkg/task"
)

const saltSize = 16

// BlobStore persists local secret ciphertext.
type BlobStore interface {
	PutSecret(ctx context.Context, secret *stores.SecretBlob) error
	GetSecret(ctx context.Context, manager, name string) (*stores.SecretBlob, error)
	DeleteSecret(ctx context.Context, manager, name string) (bool, error)
}

// LocalManager encrypts with XChaCha20-Poly1305 under a per-secret key
// derived from a master key, and keeps the ciphertext in the worker
// database. The account ID is bound as additional data.
type LocalManager struct {
	name   string
	master []byte
	keyID  string
	store  BlobStore
}

// NewLocalManager builds a manager from cfg.Key.
func NewLocalManager(cfg ManagerConfig, store BlobStore) (*LocalManager, error) {
	master, err := base64.StdEncoding.DecodeString(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	if len(master) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(master))
	}
	sum := sha256.Sum256(master)
	return &LocalManager{
		name:   cfg.Name,
		master: master,
		keyID:  hex.EncodeToString(sum[:8]),
		store:  store,
	}, nil
}

var _ Manager = (*LocalManager)(nil)

// Name implements Manager.
func (m *LocalManager) Name() string { return m.name }

func (m *LocalManager) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, m.master, salt, []byte("tgworker plan "+m.keyID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

// Encrypt implements Manager.
func (m *LocalManager) Encrypt(ctx context.Context, name string, data []byte, kc KeyContext) (*task.EncryptedRecord, error) {
	salt := make([]byte, saltSize)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	aead, err := m.aead(salt)
	if err != nil {
		return nil, err
	}

	blob := &stores.SecretBlob{
		ID:         uuid.NewString(),
		Name:       name,
		Manager:    m.name,
		AccountID:  kc.AccountID,
		KeyID:      m.keyID,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, data, []byte(kc.AccountID)),
	}
	if err := m.store.PutSecret(ctx, blob); err != nil {
		return nil, err
	}
	return &task.EncryptedRecord{
		ID:            blob.ID,
		Name:          name,
		Manager:       m.name,
		EncryptionKey: m.keyID,
	}, nil
}

// Decrypt implements Manager.
func (m *LocalManager) Decrypt(ctx context.Context, rec *task.EncryptedRecord, accountID string) ([]byte, error) {
	blob, err := m.store.GetSecret(ctx, m.name, rec.Name)
	if err != nil {
		return nil, err
	}
	if blob.KeyID != m.keyID {
		return nil, fmt.Errorf("secret %s was encrypted with key %s, manager has key %s", rec.Name, blob.KeyID, m.keyID)
	}
	if blob.AccountID != accountID {
		return nil, fmt.Errorf("secret %s does not belong to account %s", rec.Name, accountID)
	}
	aead, err := m.aead(blob.Salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, []byte(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret %s: %w", rec.Name, err)
	}
	return plain, nil
}

// Delete implements Manager.
func (m *LocalManager) Delete(ctx context.Context, rec *task.EncryptedRecord, _ string) (bool, error) {
	return m.store.DeleteSecret(ctx, m.name, rec.Name)
}
