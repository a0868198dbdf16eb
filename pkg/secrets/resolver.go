package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/openfroyo/tgworker/pkg/task"
)

// Reference schemes understood by the Resolver.
const (
	SchemeVault = "vault://"
	SchemeEnv   = "env://"
	SchemeFile  = "file://"
)

// Resolver resolves task secret references:
//
//	vault://<mount>/<path>#<key>   KV v2 secret field, "value" by default
//	env://<NAME>                   worker environment variable
//	file:///<path>                 file content, trailing newline trimmed
type Resolver struct {
	vault  *vault.Client
	lookup func(string) (string, bool)
	read   func(string) ([]byte, error)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithVaultClient enables vault:// references.
func WithVaultClient(c *vault.Client) ResolverOption {
	return func(r *Resolver) { r.vault = c }
}

// WithEnvLookup replaces os.LookupEnv.
func WithEnvLookup(fn func(string) (string, bool)) ResolverOption {
	return func(r *Resolver) { r.lookup = fn }
}

// NewResolver returns a resolver for env and file references, plus vault
// references when a client is given.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{lookup: os.LookupEnv, read: os.ReadFile}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ task.SecretResolver = (*Resolver)(nil)

// Resolve implements task.SecretResolver.
func (r *Resolver) Resolve(ctx context.Context, ref task.SecretRef) (string, error) {
	raw := strings.TrimSpace(string(ref))
	switch {
	case strings.HasPrefix(raw, SchemeVault):
		return r.resolveVault(ctx, strings.TrimPrefix(raw, SchemeVault))
	case strings.HasPrefix(raw, SchemeEnv):
		name := strings.TrimPrefix(raw, SchemeEnv)
		if name == "" {
			return "", fmt.Errorf("env reference needs a variable name")
		}
		val, ok := r.lookup(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return val, nil
	case strings.HasPrefix(raw, SchemeFile):
		p := strings.TrimPrefix(raw, SchemeFile)
		if p == "" {
			return "", fmt.Errorf("file reference needs a path")
		}
		data, err := r.read(p)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return "", fmt.Errorf("unsupported secret reference %q", maskRef(raw))
	}
}

func (r *Resolver) resolveVault(ctx context.Context, ref string) (string, error) {
	if r.vault == nil {
		return "", fmt.Errorf("vault references need a configured vault")
	}
	mount, secretPath, key := splitVaultRef(ref)
	if mount == "" || secretPath == "" {
		return "", fmt.Errorf("vault reference must look like vault://<mount>/<path>#<key>")
	}
	secret, err := r.vault.KVv2(mount).Get(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read %s/%s from vault: %w", mount, secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %s/%s not found", mount, secretPath)
	}
	return selectValue(secret.Data, key)
}

func splitVaultRef(ref string) (mount, secretPath, key string) {
	parts := strings.SplitN(ref, "#", 2)
	if len(parts) == 2 {
		key = strings.TrimSpace(parts[1])
	}
	p := strings.Trim(strings.TrimSpace(parts[0]), "/")
	mount, secretPath, _ = strings.Cut(p, "/")
	return mount, secretPath, key
}

func selectValue(data map[string]interface{}, key string) (string, error) {
	if key == "" {
		key = "value"
		if len(data) == 1 {
			for k := range data {
				key = k
			}
		}
	}
	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("secret key %q not found", key)
	}
	switch typed := val.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	default:
		return "", fmt.Errorf("secret key %q is not a string", key)
	}
}

// maskRef hides everything after the scheme of an unusable reference.
func maskRef(raw string) string {
	if i := strings.Index(raw, "://"); i > 0 {
		return raw[:i+3] + "..."
	}
	return "<redacted>"
}
