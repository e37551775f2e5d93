package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, cfg *Gateway) string {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestGenerateConfigRoundTripsThroughLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	cfg, err := GenerateConfig(path)
	require.NoError(t, err)

	loaded, err := LoadConfig(writeConfig(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg.Storage, loaded.Storage)
	assert.Equal(t, cfg.Cache.InfoTTL, loaded.Cache.InfoTTL)
	assert.Equal(t, filepath.Join(cfg.DataDir, BadgerBlobsDirName), loaded.BlobsDir())
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, ErrConfigFileUnreadable)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("dataDir: [unterminated"), 0644))
		_, err := LoadConfig(path)
		assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
	})

	tests := []struct {
		name   string
		mutate func(*Gateway)
		want   error
	}{
		{"no data dir", func(c *Gateway) { c.DataDir = "" }, ErrDataDirMissing},
		{"no binding", func(c *Gateway) { c.HttpBinding = "" }, ErrHttpBindingMissing},
		{"half tls", func(c *Gateway) { c.TLS.Cert = "cert.pem" }, ErrTLSMissing},
		{"no info ttl", func(c *Gateway) { c.Cache.InfoTTL = 0 }, ErrCacheInfoTTLMissing},
		{"zero chunk", func(c *Gateway) { c.Storage.ChunkSize = 0 }, ErrStorageChunkSizeInvalid},
		{"subchunk not dividing", func(c *Gateway) { c.Storage.SubchunkSize = 300 * 1024 }, ErrStorageSubchunkSizeInvalid},
		{"subchunk larger than chunk", func(c *Gateway) { c.Storage.SubchunkSize = 2 * c.Storage.ChunkSize }, ErrStorageSubchunkSizeInvalid},
		{"bad codec", func(c *Gateway) { c.Storage.Codec = "brotli" }, ErrStorageCodecInvalid},
		{"no max size", func(c *Gateway) { c.Storage.MaxBlobSize = 0 }, ErrStorageMaxBlobSizeMissing},
		{"origin without endpoint", func(c *Gateway) { c.Origin.Enabled = true }, ErrOriginEndpointMissing},
		{"origin without bucket", func(c *Gateway) {
			c.Origin.Enabled = true
			c.Origin.Endpoint = "s3.local:9000"
			c.Origin.Bucket = ""
		}, ErrOriginBucketMissing},
		{"no upload limit", func(c *Gateway) { c.RateLimiters.Upload.Limit = 0 }, ErrRateLimitersUploadLimitMissing},
		{"no sessions", func(c *Gateway) { c.Sessions.MaxConnections = 0 }, ErrSessionsMaxConnectionsMissing},
		{"ssh without host key", func(c *Gateway) {
			c.SSH.Enabled = true
			c.SSH.HostKeyPath = ""
		}, ErrSSHHostKeyPathMissing},
		{"relative public origin", func(c *Gateway) { c.PublicOrigin = "cdn.example.com" }, ErrPublicOriginInvalid},
		{"ssh without public origin", func(c *Gateway) {
			c.SSH.Enabled = true
			c.PublicOrigin = ""
		}, ErrSSHPublicOriginMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := GenerateConfig(filepath.Join(t.TempDir(), "gateway.yaml"))
			require.NoError(t, err)
			tt.mutate(cfg)
			_, err = LoadConfig(writeConfig(t, cfg))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSSHWithPublicOrigin(t *testing.T) {
	cfg, err := GenerateConfig(filepath.Join(t.TempDir(), "gateway.yaml"))
	require.NoError(t, err)
	cfg.SSH.Enabled = true
	cfg.PublicOrigin = "https://cdn.example.com/"
	_, err = LoadConfig(writeConfig(t, cfg))
	assert.NoError(t, err)

	// Served from the request when only HTTP is on.
	cfg.SSH.Enabled = false
	cfg.PublicOrigin = ""
	_, err = LoadConfig(writeConfig(t, cfg))
	assert.NoError(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvOriginAccessKey, "env-access")
	t.Setenv(EnvOriginSecretKey, "env-secret")

	cfg, err := GenerateConfig(filepath.Join(t.TempDir(), "gateway.yaml"))
	require.NoError(t, err)
	cfg.Origin.AccessKey = "file-access"

	loaded, err := LoadConfig(writeConfig(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, "env-access", loaded.Origin.AccessKey)
	assert.Equal(t, "env-secret", loaded.Origin.SecretKey)
}
