// Package secrets holds the secret managers plans are encrypted with and
// the resolver that turns secret references in task input into values.
package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/tgworker/pkg/task"
)

// Manager types.
const (
	TypeVault = "vault"
	TypeLocal = "local"
)

// KeyContext scopes an encrypted secret to the task that produced it.
type KeyContext struct {
	AccountID string
	EntityID  string
	TaskID    string
}

// Manager encrypts, decrypts and deletes plan material.
type Manager interface {
	// Name is the name tasks refer to the manager by.
	Name() string
	// Encrypt stores data as secret name and returns its handle.
	Encrypt(ctx context.Context, name string, data []byte, kc KeyContext) (*task.EncryptedRecord, error)
	// Decrypt returns the plain bytes behind rec. Records of other
	// accounts are rejected.
	Decrypt(ctx context.Context, rec *task.EncryptedRecord, accountID string) ([]byte, error)
	// Delete removes the secret behind rec, stored for accountID, and
	// reports whether it did.
	Delete(ctx context.Context, rec *task.EncryptedRecord, accountID string) (bool, error)
}

// ManagerConfig defines one secret manager.
type ManagerConfig struct {
	Name string `mapstructure:"name" yaml:"name" validate:"required"`
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=vault local"`

	// vault
	Address    string `mapstructure:"address" yaml:"address"`
	Token      string `mapstructure:"token" yaml:"token"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
	Mount      string `mapstructure:"mount" yaml:"mount"`
	PathPrefix string `mapstructure:"path_prefix" yaml:"path_prefix"`

	// local: base64 encoded 32 byte master key
	Key string `mapstructure:"key" yaml:"key"`
}

// Registry looks managers up by name.
type Registry struct {
	managers map[string]Manager
}

// NewRegistry returns a registry holding managers.
func NewRegistry(managers ...Manager) *Registry {
	r := &Registry{managers: make(map[string]Manager, len(managers))}
	for _, m := range managers {
		r.Register(m)
	}
	return r
}

// BuildRegistry creates every configured manager. Local managers keep
// their ciphertext in store.
func BuildRegistry(cfgs []ManagerConfig, store BlobStore) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		var (
			m   Manager
			err error
		)
		switch cfg.Type {
		case TypeVault:
			m, err = NewVaultManager(cfg)
		case TypeLocal:
			if store == nil {
				return nil, fmt.Errorf("secret manager %s: local managers need a database", cfg.Name)
			}
			m, err = NewLocalManager(cfg, store)
		default:
			err = fmt.Errorf("unknown secret manager type %q", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("secret manager %s: %w", cfg.Name, err)
		}
		r.Register(m)
	}
	return r, nil
}

// Register adds or replaces m.
func (r *Registry) Register(m Manager) {
	r.managers[m.Name()] = m
}

// Get returns the manager called name.
func (r *Registry) Get(name string) (Manager, error) {
	m, ok := r.managers[name]
	if !ok {
		return nil, fmt.Errorf("secret manager %q is not configured (have: %s)", name, strings.Join(r.Names(), ", "))
	}
	return m, nil
}

// Names lists registered manager names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.managers))
	for n := range r.managers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
