package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig represents HashiCorp Vault configuration.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled" envconfig:"VAULT_ENABLED"`
	Address    string `yaml:"address" envconfig:"VAULT_ADDR"`
	Token      string `yaml:"token" envconfig:"VAULT_TOKEN"`
	TokenPath  string `yaml:"token_path" envconfig:"VAULT_TOKEN_PATH"`
	Namespace  string `yaml:"namespace" envconfig:"VAULT_NAMESPACE"`
	Mount      string `yaml:"mount" envconfig:"VAULT_MOUNT"`
	SecretPath string `yaml:"secret_path" envconfig:"VAULT_SECRET_PATH"`
}

// GetVaultToken returns the Vault token from config or file.
func (c *VaultConfig) GetVaultToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}

	if c.TokenPath != "" {
		token, err := os.ReadFile(c.TokenPath)
		if err != nil {
			return "", fmt.Errorf("failed to read vault token from file: %w", err)
		}
		return strings.TrimSpace(string(token)), nil
	}

	return "", fmt.Errorf("vault token not configured")
}

// VaultClient wraps a HashiCorp Vault client.
type VaultClient struct {
	client *vault.Client
	config *VaultConfig
}

// NewVaultClient creates a Vault client, or returns nil when Vault is disabled.
func NewVaultClient(cfg *VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	token, err := cfg.GetVaultToken()
	if err != nil {
		return nil, err
	}
	client.SetToken(token)

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret reads a KVv2 secret.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	if vc == nil {
		return nil, fmt.Errorf("vault client is not initialized")
	}

	mount := vc.config.Mount
	if mount == "" {
		mount = "secret"
	}

	secret, err := vc.client.KVv2(mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret not found: %s", path)
	}

	return secret.Data, nil
}

// ApplyVaultSecrets overlays the relay secret and GitHub OAuth credentials
// stored at the configured path. A nil client is a no-op.
func ApplyVaultSecrets(ctx context.Context, cfg *Config, vaultClient *VaultClient) error {
	if vaultClient == nil {
		return nil
	}

	data, err := vaultClient.GetSecret(ctx, cfg.Vault.SecretPath)
	if err != nil {
		return fmt.Errorf("failed to get relay secrets: %w", err)
	}
	applySecretData(cfg, data)
	return nil
}

func applySecretData(cfg *Config, data map[string]interface{}) {
	if secret, ok := data["relay_secret"].(string); ok && secret != "" {
		cfg.Auth.Secret = secret
	}
	if id, ok := data["github_client_id"].(string); ok && id != "" {
		cfg.Auth.GitHub.ClientID = id
	}
	if secret, ok := data["github_client_secret"].(string); ok && secret != "" {
		cfg.Auth.GitHub.ClientSecret = secret
	}
}
