package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TUNEGATE_SERVER__API_KEYS", "key1,key2")
	t.Setenv("TUNEGATE_PROVIDER__AGGREGATOR__API_KEY", "vendor-key")
	t.Setenv("TUNEGATE_PROVIDER__CALLBACK_URL", "https://gateway.example/api/v1/callback")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"key1", "key2"}, cfg.Server.APIKeys)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "aggregator", cfg.Provider.Active)
	assert.Equal(t, 30*time.Second, cfg.Provider.CallTimeout)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 4*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 8*time.Second, cfg.Resolver.GraceWindow)
	assert.Equal(t, 2, cfg.Resolver.EmptyURLRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.Resolver.EmptyURLInterval)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 3*time.Second, cfg.Cache.TTL)
	assert.Zero(t, cfg.Cache.TerminalTTL)
	assert.Equal(t, "vendor-key", cfg.ActiveEndpoint().APIKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TUNEGATE_SERVER__LISTEN_ADDR", ":9090")
	t.Setenv("TUNEGATE_SERVER__RATE_LIMIT_RPS", "12.5")
	t.Setenv("TUNEGATE_RESOLVER__GRACE_WINDOW", "20s")
	t.Setenv("TUNEGATE_RETRY__ATTEMPTS", "5")
	t.Setenv("TUNEGATE_PROVIDER__ACTIVE", "direct")
	t.Setenv("TUNEGATE_PROVIDER__DIRECT__API_KEY", "direct-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 12.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, 20*time.Second, cfg.Resolver.GraceWindow)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, "direct-key", cfg.ActiveEndpoint().APIKey)
}

func TestLoad_TOMLFileThenEnv(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "tunegate.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen_addr = ":7000"
cors_origins = ["https://app.example"]

[cache]
backend = "redis"
redis_addr = "localhost:6379"
ttl = "5s"

[nats]
url = "nats://localhost:4222"
`), 0o600))
	t.Setenv("TUNEGATE_SERVER__LISTEN_ADDR", ":7001")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.Server.ListenAddr, "env wins over the file")
	assert.Equal(t, []string{"https://app.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "tunegate.toml")
	require.NoError(t, os.WriteFile(path, []byte("[store]\npath = \"/data/jobs.db\"\n"), 0o600))
	t.Setenv("TUNEGATE_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/data/jobs.db", cfg.Store.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	setRequired(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_MissingAPIKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("TUNEGATE_SERVER__API_KEYS", " , ")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.api_keys")
}

func TestLoad_ProviderKeyRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("TUNEGATE_PROVIDER__ACTIVE", "direct")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider.direct.api_key")
}

func TestLoad_UnknownProviderUsesAggregatorSettings(t *testing.T) {
	setRequired(t)
	t.Setenv("TUNEGATE_PROVIDER__ACTIVE", "mystery")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "vendor-key", cfg.ActiveEndpoint().APIKey)
}

func TestValidate_CollectsErrors(t *testing.T) {
	setRequired(t)
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Store.Driver = "mysql"
	cfg.Cache.Backend = "memcached"
	cfg.Retry.Attempts = 0
	cfg.Provider.CallbackURL = ""

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"store.driver", "cache.backend", "retry.attempts", "provider.callback_url"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_PostgresNeedsURL(t *testing.T) {
	setRequired(t)
	t.Setenv("TUNEGATE_STORE__DRIVER", "postgres")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.url")

	t.Setenv("TUNEGATE_STORE__URL", "postgres://localhost/tunegate")
	_, err = Load("")
	assert.NoError(t, err)
}
