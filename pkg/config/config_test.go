package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSecretDecodesBase64(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	cfg := &Config{SecretBase64: base64.StdEncoding.EncodeToString(raw)}

	got, err := cfg.Secret(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestSecretAcceptsRaw32Bytes(t *testing.T) {
	cfg := &Config{SecretBase64: "01234567890123456789012345678901"}

	got, err := cfg.Secret(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []byte(cfg.SecretBase64), got)
}

func TestSecretGeneratesRandomFallbackWhenUnconfigured(t *testing.T) {
	cfg := &Config{}

	got, err := cfg.Secret(zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, got, 32)

	again, err := cfg.Secret(zap.NewNop())
	require.NoError(t, err)
	assert.NotEqual(t, got, again, "each boot-time fallback is freshly generated, not cached")
}

func TestSecretRejectsWrongLength(t *testing.T) {
	cfg := &Config{SecretBase64: "too-short"}

	_, err := cfg.Secret(zap.NewNop())
	assert.Error(t, err)
}
