package task

import (
	"context"
	"fmt"
)

// SecretResolver turns a secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref SecretRef) (string, error)
}

// Decrypt returns a copy of p with every secret reference resolved. Secret
// env vars are merged into EnvVars of the copy and all resolved values are
// registered with sanitizer. The input is not modified.
func Decrypt(ctx context.Context, p Parameters, resolver SecretResolver, sanitizer *Sanitizer) (Parameters, error) {
	out, err := clone(p)
	if err != nil {
		return nil, fmt.Errorf("failed to copy task parameters: %w", err)
	}
	base := out.Common()

	resolve := func(ref SecretRef, field string) (string, error) {
		if ref == "" {
			return "", nil
		}
		if resolver == nil {
			return "", NewInvalidParametersError(fmt.Sprintf("no secret resolver configured for %s", field), nil)
		}
		value, err := resolver.Resolve(ctx, ref)
		if err != nil {
			return "", NewInvalidParametersError(fmt.Sprintf("failed to resolve secret for %s", field), err)
		}
		sanitizer.Register(value)
		return value, nil
	}

	stores := []*StoreConfig{&base.ConfigFilesStore}
	for i := range base.VarFileStores {
		stores = append(stores, &base.VarFileStores[i])
	}
	if base.BackendFileStore != nil {
		stores = append(stores, base.BackendFileStore)
	}

	for _, store := range stores {
		creds := store.Credentials
		if creds == nil {
			continue
		}
		prefix := "store " + store.Identifier
		if creds.Password, err = resolve(creds.PasswordRef, prefix+" password"); err != nil {
			return nil, err
		}
		if creds.SSHKey, err = resolve(creds.SSHKeyRef, prefix+" ssh key"); err != nil {
			return nil, err
		}
		if creds.SSHKeyPassphrase, err = resolve(creds.SSHKeyPassphraseRef, prefix+" ssh key passphrase"); err != nil {
			return nil, err
		}
		if creds.SecretAccessKey, err = resolve(creds.SecretAccessKeyRef, prefix+" secret access key"); err != nil {
			return nil, err
		}
		if creds.SessionToken, err = resolve(creds.SessionTokenRef, prefix+" session token"); err != nil {
			return nil, err
		}
	}

	if len(base.SecretEnvVars) > 0 && base.EnvVars == nil {
		base.EnvVars = make(map[string]string, len(base.SecretEnvVars))
	}
	for name, ref := range base.SecretEnvVars {
		value, err := resolve(ref, "env var "+name)
		if err != nil {
			return nil, err
		}
		base.EnvVars[name] = value
	}

	return out, nil
}
