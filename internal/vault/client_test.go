package vault

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-autopilot/internal/exchange"
	"trading-autopilot/internal/faults"
)

func TestMemoryClient_MissingUserIsNotAnError(t *testing.T) {
	c := NewMemoryClient()
	creds, err := c.GetCredentials(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, creds)
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Health(context.Background()))
}

func TestMemoryClient_StoreGetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()

	require.NoError(t, c.StoreCredentials(ctx, "u1", exchange.Credentials{APIKey: "k", APISecret: "s"}))
	got, err := c.GetCredentials(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k", got.APIKey)

	require.NoError(t, c.DeleteCredentials(ctx, "u1"))
	got, err = c.GetCredentials(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreCredentials_RejectsIncomplete(t *testing.T) {
	err := NewMemoryClient().StoreCredentials(context.Background(), "u1", exchange.Credentials{APIKey: "k"})
	assert.Equal(t, faults.CategoryValidation, faults.Classify(err))
}

func TestPaths(t *testing.T) {
	c, err := NewClient(Config{Testnet: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret/data/autopilot/credentials/u1/binance_testnet", c.dataPath("u1"))
	assert.Equal(t, "secret/metadata/autopilot/credentials/u1/binance_testnet", c.metadataPath("u1"))
}

func TestGetBool(t *testing.T) {
	data := map[string]interface{}{"a": true, "b": "true", "c": json.Number("1"), "d": "no"}
	assert.True(t, getBool(data, "a"))
	assert.True(t, getBool(data, "b"))
	assert.True(t, getBool(data, "c"))
	assert.False(t, getBool(data, "d"))
	assert.False(t, getBool(data, "missing"))
}
