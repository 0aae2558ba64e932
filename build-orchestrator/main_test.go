package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_ADDR", "localhost:6380")
	t.Setenv("KAFKA_BROKERS", "")

	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("port", "9000"))

	v := viper.New()
	require.NoError(t, bindConfig(v, cmd.Flags()))

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "localhost:6380", cfg.RedisAddr)
	assert.Equal(t, "", cfg.KafkaBrokers)
	assert.Equal(t, "/app/data", cfg.DataDir)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	v := viper.New()
	require.NoError(t, bindConfig(v, newRootCmd().Flags()))

	_, err := loadConfig(v)
	assert.ErrorContains(t, err, "JWT_SECRET")
}
