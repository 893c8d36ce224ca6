package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/vault/api"
)

const secretPrefix = "vault:"

// SecretReader resolves a single field of a secret stored at path.
type SecretReader interface {
	ReadSecret(ctx context.Context, path, field string) (string, error)
}

// VaultSecretReader reads secrets from HashiCorp Vault. Both KV v1 and KV v2
// response shapes are accepted.
type VaultSecretReader struct {
	client *api.Client
	log    *slog.Logger
}

// NewVaultSecretReader creates a Vault client. Unset fields fall back to the
// standard VAULT_* environment variables.
func NewVaultSecretReader(cfg VaultConfig, log *slog.Logger) (*VaultSecretReader, error) {
	vc := api.DefaultConfig()
	if vc.Error != nil {
		return nil, fmt.Errorf("failed to read Vault environment: %w", vc.Error)
	}
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}

	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &VaultSecretReader{client: client, log: log}, nil
}

func (r *VaultSecretReader) ReadSecret(ctx context.Context, path, field string) (string, error) {
	secret, err := r.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %s not found", path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	v, ok := data[field]
	if !ok {
		return "", fmt.Errorf("secret %s has no field %q", path, field)
	}

	r.log.Debug("Resolved secret from Vault", slog.String("path", path), slog.String("field", field))
	return fmt.Sprint(v), nil
}

// ParseSecretRef splits "vault:<path>#<field>". ok is false for plain values.
func ParseSecretRef(value string) (path, field string, ok bool) {
	if !strings.HasPrefix(value, secretPrefix) {
		return "", "", false
	}
	path, field, found := strings.Cut(strings.TrimPrefix(value, secretPrefix), "#")
	if !found || path == "" || field == "" {
		return "", "", false
	}
	return path, field, true
}

// HasSecretRefs reports whether any provider setting or the encryption key
// references Vault.
func (c *Config) HasSecretRefs() bool {
	if _, _, ok := ParseSecretRef(c.Settings.Security.EncryptionKey); ok {
		return true
	}
	for _, p := range c.Providers {
		for _, v := range p.Settings {
			if s, isString := v.(string); isString {
				if _, _, ok := ParseSecretRef(s); ok {
					return true
				}
			}
		}
	}
	return false
}

// ResolveSecrets replaces every secret reference with the value read from r.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretReader) error {
	resolve := func(where, value string) (string, error) {
		path, field, ok := ParseSecretRef(value)
		if !ok {
			return value, nil
		}
		v, err := r.ReadSecret(ctx, path, field)
		if err != nil {
			return "", fmt.Errorf("%s: %w", where, err)
		}
		return v, nil
	}

	key, err := resolve("settings.security.encryption_key", c.Settings.Security.EncryptionKey)
	if err != nil {
		return err
	}
	c.Settings.Security.EncryptionKey = key

	for name, p := range c.Providers {
		for k, v := range p.Settings {
			s, isString := v.(string)
			if !isString {
				continue
			}
			resolved, err := resolve("providers."+name+"."+k, s)
			if err != nil {
				return err
			}
			p.Settings[k] = resolved
		}
	}
	return nil
}
