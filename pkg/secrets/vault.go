package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	vault "github.com/hashicorp/vault/api"

	"github.com/openfroyo/tgworker/pkg/task"
)

// VaultManager keeps plans in a Vault KV v2 mount. The record's
// EncryptedValue holds the secret path inside the mount.
type VaultManager struct {
	name   string
	client *vault.Client
	mount  string
	prefix string
}

// NewVaultClient returns a token-authenticated Vault client. Empty address
// and token fall back to VAULT_ADDR and VAULT_TOKEN.
func NewVaultClient(address, token, namespace string) (*vault.Client, error) {
	apiCfg := vault.DefaultConfig()
	if address = strings.TrimSpace(address); address != "" {
		apiCfg.Address = address
	}
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}
	if ns := strings.TrimSpace(namespace); ns != "" {
		client.SetNamespace(ns)
	}
	if token = strings.TrimSpace(token); token != "" {
		client.SetToken(token)
	}
	return client, nil
}

// NewVaultManager builds a manager from cfg.
func NewVaultManager(cfg ManagerConfig) (*VaultManager, error) {
	client, err := NewVaultClient(cfg.Address, cfg.Token, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.PathPrefix), "/")
	if prefix == "" {
		prefix = "tgworker/plans"
	}
	return &VaultManager{name: cfg.Name, client: client, mount: mount, prefix: prefix}, nil
}

var _ Manager = (*VaultManager)(nil)

// Name implements Manager.
func (m *VaultManager) Name() string { return m.name }

// Encrypt implements Manager.
func (m *VaultManager) Encrypt(ctx context.Context, name string, data []byte, kc KeyContext) (*task.EncryptedRecord, error) {
	p := path.Join(m.prefix, kc.AccountID, name)
	_, err := m.client.KVv2(m.mount).Put(ctx, p, map[string]interface{}{
		"value":     base64.StdEncoding.EncodeToString(data),
		"accountId": kc.AccountID,
		"entityId":  kc.EntityID,
		"taskId":    kc.TaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write %s to vault: %w", p, err)
	}
	return &task.EncryptedRecord{
		ID:             uuid.NewString(),
		Name:           name,
		Manager:        m.name,
		EncryptedValue: p,
	}, nil
}

// Decrypt implements Manager.
func (m *VaultManager) Decrypt(ctx context.Context, rec *task.EncryptedRecord, accountID string) ([]byte, error) {
	p := m.pathOf(rec, accountID)
	secret, err := m.client.KVv2(m.mount).Get(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from vault: %w", p, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s not found", p)
	}
	if owner, _ := secret.Data["accountId"].(string); owner != accountID {
		return nil, fmt.Errorf("vault secret %s does not belong to account %s", p, accountID)
	}
	raw, ok := secret.Data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no value", p)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("vault secret %s: %w", p, err)
	}
	return data, nil
}

// Delete implements Manager. A secret that is already gone counts as not deleted.
func (m *VaultManager) Delete(ctx context.Context, rec *task.EncryptedRecord, accountID string) (bool, error) {
	p := m.pathOf(rec, accountID)
	kv := m.client.KVv2(m.mount)
	if _, err := kv.Get(ctx, p); err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s from vault: %w", p, err)
	}
	if err := kv.DeleteMetadata(ctx, p); err != nil {
		return false, fmt.Errorf("failed to delete %s from vault: %w", p, err)
	}
	return true, nil
}

// pathOf returns the path Encrypt wrote rec to. Records that lost their
// path resolve to the same account scoped location.
func (m *VaultManager) pathOf(rec *task.EncryptedRecord, accountID string) string {
	if rec.EncryptedValue != "" {
		return rec.EncryptedValue
	}
	return path.Join(m.prefix, accountID, rec.Name)
}
