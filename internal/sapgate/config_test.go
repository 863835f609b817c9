package sapgate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sapgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8088
  allowedOrigins: ["https://portal.example.com"]
upstream:
  baseURL: https://sap.example.com:44300/sap/bc/rest/
  host: sap.example.com
  sapClient: "200"
  user: gateway
  password: s3cret
  verifyTLS: true
  maxBody: 2mb
retry:
  maxAttempts: 4
  perAttemptTimeoutMs: 2000
  overallTimeoutMs: 9000
  backoffBaseMs: 100
  backoffMultiplier: 3
  jitterCeilingMs: 50
cache:
  cacheTtlMs: 60000
  warmup:
    enabled: true
    initialDelay: 2s
    every: 1m
push:
  store: leveldb
  path: /var/lib/sapgate/push
  ttl: 1h
logging:
  level: debug
  logStatsEvery: 30s
`)

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, []string{"https://portal.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "https://sap.example.com:44300/sap/bc/rest", cfg.Upstream.BaseURL, "trailing slash is trimmed")
	assert.Equal(t, "200", cfg.Upstream.SAPClient)
	assert.Equal(t, int64(2*mib), cfg.Upstream.maxBodyBytes)
	assert.Equal(t, "/zinq/getinq", cfg.Upstream.Paths.Inquiries, "unset paths keep their defaults")
	assert.Equal(t, RetryPolicy{
		MaxAttempts:       4,
		PerAttemptTimeout: 2 * time.Second,
		OverallTimeout:    9 * time.Second,
		BackoffBase:       100 * time.Millisecond,
		BackoffMultiplier: 3,
		JitterCeiling:     50 * time.Millisecond,
	}, cfg.Policy())
	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.True(t, cfg.Cache.Warmup.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Cache.Warmup.initialDelayDur)
	assert.Equal(t, time.Minute, cfg.Cache.Warmup.everyDur)
	assert.Equal(t, "leveldb", cfg.Push.Store)
	assert.Equal(t, time.Hour, cfg.Push.ttlDur)
	assert.Equal(t, 30*time.Second, cfg.Logging.logStatsEveryDur)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("SAP_BASE_URL", "http://sap.local:8000")

	cfg, err := LoadConfig("")

	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, DefaultRetryPolicy(), cfg.Policy())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
	assert.Equal(t, "memory", cfg.Push.Store)
	assert.Equal(t, "120", cfg.Upstream.SAPClient)
	assert.False(t, cfg.Upstream.VerifyTLS)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
upstream:
  baseURL: http://from-file:8000
  user: file-user
retry:
  maxAttempts: 2
`)
	t.Setenv("SAP_BASE_URL", "https://from-env:44300")
	t.Setenv("SAP_USER", "env-user")
	t.Setenv("SAP_PASS", "env-pass")
	t.Setenv("SAPGATE_MAX_ATTEMPTS", "6")
	t.Setenv("SAPGATE_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("SAPGATE_JITTER_CEILING_MS", "75")
	t.Setenv("SAPGATE_CACHE_TTL_MS", "5000")
	t.Setenv("SAPGATE_VERIFY_TLS", "true")
	t.Setenv("PORT", "7001")

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, "https://from-env:44300", cfg.Upstream.BaseURL)
	assert.Equal(t, "env-user", cfg.Upstream.User)
	assert.Equal(t, "env-pass", cfg.Upstream.Password)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 1.5, cfg.Retry.BackoffMultiplier, 1e-9)
	assert.Equal(t, 75*time.Millisecond, cfg.Policy().JitterCeiling)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL())
	assert.True(t, cfg.Upstream.VerifyTLS)
	assert.Equal(t, 7001, cfg.Server.Port)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing base url", `upstream: {}`, "upstream.baseURL is required"},
		{"non-http base url", `upstream: {baseURL: "ftp://sap"}`, "must be an http(s) URL"},
		{"bad max body", `upstream: {baseURL: "http://sap", maxBody: "lots"}`, "upstream.maxBody"},
		{"zero attempts", "upstream: {baseURL: \"http://sap\"}\nretry: {maxAttempts: 0}", "maxAttempts must be >= 1"},
		{"negative ttl", "upstream: {baseURL: \"http://sap\"}\ncache: {cacheTtlMs: -1}", "must not be negative"},
		{"unknown store", "upstream: {baseURL: \"http://sap\"}\npush: {store: redis}", "unknown store"},
		{"leveldb without path", "upstream: {baseURL: \"http://sap\"}\npush: {store: leveldb, path: \"\"}", "push.path is required"},
		{"bad warmup interval", "upstream: {baseURL: \"http://sap\"}\ncache: {warmup: {enabled: true, every: often}}", "cache.warmup.every"},
		{"bad push ttl", "upstream: {baseURL: \"http://sap\"}\npush: {ttl: forever}", "push.ttl"},
		{"bad yaml", "upstream: [", "parse "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadConfig_BadEnv(t *testing.T) {
	t.Setenv("SAP_BASE_URL", "http://sap")
	t.Setenv("SAPGATE_MAX_ATTEMPTS", "three")

	_, err := LoadConfig("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
