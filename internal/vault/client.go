// Package vault stores per-user exchange credentials in HashiCorp Vault
// (KV v2). With Vault disabled it keeps them in memory, which is what
// development and tests run against.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/logging"
)

// Config for the Vault connection.
type Config struct {
	Enabled    bool          `json:"enabled"`
	Address    string        `json:"address"`
	Token      string        `json:"token"`
	MountPath  string        `json:"mount_path"`
	SecretPath string        `json:"secret_path"`
	TLSEnabled bool          `json:"tls_enabled"`
	CACert     string        `json:"ca_cert"`
	Exchange   string        `json:"exchange"`
	Testnet    bool          `json:"testnet"`
	CacheTTL   time.Duration `json:"cache_ttl"`
}

type cached struct {
	creds   *exchange.Credentials
	fetched time.Time
}

// Client resolves user credentials. A missing secret is not an error:
// GetCredentials returns nil, nil and the caller skips that user.
type Client struct {
	client *api.Client
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cached
}

// NewClient connects to Vault, or returns a memory-backed client when
// cfg.Enabled is false.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "autopilot/credentials"
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "binance"
	}
	if logger == nil {
		logger = logging.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.WithComponent("vault"),
		now:    time.Now,
		cache:  make(map[string]cached),
	}
	if !cfg.Enabled {
		c.logger.Warn("Vault disabled, credentials are kept in memory only")
		return c, nil
	}

	vc := api.DefaultConfig()
	vc.Address = cfg.Address
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vc.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// NewMemoryClient is a disabled-mode client for tests.
func NewMemoryClient() *Client {
	c, _ := NewClient(Config{}, logging.Nop())
	return c
}

// GetCredentials returns the user's key pair, or nil when none is stored.
func (c *Client) GetCredentials(ctx context.Context, userID string) (*exchange.Credentials, error) {
	if creds, ok := c.fromCache(userID); ok {
		return creds, nil
	}
	if !c.cfg.Enabled {
		return nil, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath(userID))
	if err != nil {
		return nil, faults.Transient("vault read", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// soft-deleted versions come back with data == nil
		return nil, nil
	}

	creds := &exchange.Credentials{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "secret_key"),
		Testnet:   getBool(data, "is_testnet"),
	}
	if !creds.Valid() {
		c.logger.Warn("Stored credentials are incomplete", "user_id", userID)
		return nil, nil
	}

	c.mu.Lock()
	c.cache[userID] = cached{creds: creds, fetched: c.now()}
	c.mu.Unlock()
	return creds, nil
}

func (c *Client) fromCache(userID string) (*exchange.Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[userID]
	if !ok {
		return nil, false
	}
	// memory mode has no backing store, so its entries never expire
	if c.cfg.Enabled && c.cfg.CacheTTL > 0 && c.now().Sub(entry.fetched) > c.cfg.CacheTTL {
		return nil, false
	}
	return entry.creds, true
}

// StoreCredentials writes a key pair for userID.
func (c *Client) StoreCredentials(ctx context.Context, userID string, creds exchange.Credentials) error {
	if !creds.Valid() {
		return faults.Invalid("credentials", "api key and secret are required")
	}

	if c.cfg.Enabled {
		payload := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    creds.APIKey,
				"secret_key": creds.APISecret,
				"exchange":   c.cfg.Exchange,
				"is_testnet": creds.Testnet,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(userID), payload); err != nil {
			return faults.Transient("vault write", err)
		}
	}

	c.mu.Lock()
	c.cache[userID] = cached{creds: &creds, fetched: c.now()}
	c.mu.Unlock()
	return nil
}

// DeleteCredentials removes every version of the user's secret.
func (c *Client) DeleteCredentials(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
	if !c.cfg.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(userID)); err != nil {
		return faults.Transient("vault delete", err)
	}
	return nil
}

// Invalidate drops the cached entry so the next read goes to Vault. Memory
// mode has nothing behind the cache and keeps the entry.
func (c *Client) Invalidate(userID string) {
	if !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}

// Enabled reports whether a Vault server backs this client.
func (c *Client) Enabled() bool { return c.cfg.Enabled }

// Health checks that Vault is reachable and unsealed.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) network() string {
	if c.cfg.Testnet {
		return "testnet"
	}
	return "mainnet"
}

func (c *Client) dataPath(userID string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s_%s", c.cfg.MountPath, c.cfg.SecretPath, userID, c.cfg.Exchange, c.network())
}

func (c *Client) metadataPath(userID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s_%s", c.cfg.MountPath, c.cfg.SecretPath, userID, c.cfg.Exchange, c.network())
}

func getString(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	case json.Number:
		n, _ := v.Int64()
		return n != 0
	}
	return false
}
