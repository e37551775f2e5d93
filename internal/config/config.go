package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/InsulaLabs/onvm/internal/share"
	"gopkg.in/yaml.v3"
)

const (
	BadgerBlobsDirName = "blobs"

	DefaultChunkSize    = 1024 * 1024
	DefaultSubchunkSize = 256 * 1024
	DefaultMaxBlobSize  = 512 * 1024 * 1024

	EnvOriginAccessKey = "ONVM_ORIGIN_ACCESS_KEY"
	EnvOriginSecretKey = "ONVM_ORIGIN_SECRET_KEY"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type Cache struct {
	InfoTTL time.Duration `yaml:"infoTTL"`
}

type Storage struct {
	ChunkSize    int    `yaml:"chunkSize"`
	SubchunkSize int    `yaml:"subchunkSize"`
	Codec        string `yaml:"codec"` // none, zstd or lz4
	MaxBlobSize  int64  `yaml:"maxBlobSize"`
}

// Origin is the remote S3-compatible tier blobs are fetched from when
// they are not resident locally.
type Origin struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	PathStyle bool   `yaml:"pathStyle"`
	Hydrate   bool   `yaml:"hydrate"`   // copy origin blobs into the local store once served
	Replicate bool   `yaml:"replicate"` // push uploads to the origin
	Purge     bool   `yaml:"purge"`     // deletes also remove the origin copy
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"`
}

type RateLimiters struct {
	Info    RateLimiterConfig `yaml:"info"`
	Content RateLimiterConfig `yaml:"content"`
	Upload  RateLimiterConfig `yaml:"upload"`
	Events  RateLimiterConfig `yaml:"events"`
	Default RateLimiterConfig `yaml:"default"`
}

type SessionsConfig struct {
	EventChannelSize         int `yaml:"eventChannelSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type SSH struct {
	Enabled        bool     `yaml:"enabled"`
	Binding        string   `yaml:"binding"`
	HostKeyPath    string   `yaml:"hostKeyPath"`
	AuthorizedKeys []string `yaml:"authorizedKeys"` // empty permits any key
	DownloadDir    string   `yaml:"downloadDir"`
}

type Gateway struct {
	DataDir      string `yaml:"dataDir"`
	HttpBinding  string `yaml:"httpBinding"`
	PublicOrigin string `yaml:"publicOrigin"` // base of share links; derived from the request when empty
	// TrustedProxies may set X-Forwarded-For for rate limiting.
	TrustedProxies []string       `yaml:"trustedProxies"`
	TLS            TLS            `yaml:"tls"`
	Logging        Logging        `yaml:"logging"`
	Cache          Cache          `yaml:"cache"`
	Storage        Storage        `yaml:"storage"`
	Origin         Origin         `yaml:"origin"`
	RateLimiters   RateLimiters   `yaml:"rateLimiters"`
	Sessions       SessionsConfig `yaml:"sessions"`
	SSH            SSH            `yaml:"ssh"`
}

var (
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrDataDirMissing                          = errors.New("dataDir is missing in config")
	ErrHttpBindingMissing                      = errors.New("httpBinding is missing in config")
	ErrPublicOriginInvalid                     = errors.New("publicOrigin must be an absolute http(s) URL")
	ErrTLSMissing                              = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrCacheInfoTTLMissing                     = errors.New("cache.infoTTL is missing in config")
	ErrStorageChunkSizeInvalid                 = errors.New("storage.chunkSize must be positive")
	ErrStorageSubchunkSizeInvalid              = errors.New("storage.subchunkSize must be positive and divide storage.chunkSize")
	ErrStorageCodecInvalid                     = errors.New("storage.codec must be one of none, zstd, lz4")
	ErrStorageMaxBlobSizeMissing               = errors.New("storage.maxBlobSize is missing in config")
	ErrOriginEndpointMissing                   = errors.New("origin.endpoint is missing in config")
	ErrOriginBucketMissing                     = errors.New("origin.bucket is missing in config")
	ErrRateLimitersInfoLimitMissing            = errors.New("rateLimiters.info.limit is missing in config")
	ErrRateLimitersContentLimitMissing         = errors.New("rateLimiters.content.limit is missing in config")
	ErrRateLimitersUploadLimitMissing          = errors.New("rateLimiters.upload.limit is missing in config")
	ErrRateLimitersEventsLimitMissing          = errors.New("rateLimiters.events.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("rateLimiters.default.limit is missing in config")
	ErrSessionsEventChannelSizeMissing         = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrSSHBindingMissing                       = errors.New("ssh.binding is missing in config")
	ErrSSHHostKeyPathMissing                   = errors.New("ssh.hostKeyPath is missing in config")
	ErrSSHPublicOriginMissing                  = errors.New("publicOrigin is required when ssh is enabled")
)

func LoadConfig(configFile string) (*Gateway, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Gateway
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides origin credentials from the environment so they can
// live outside the config file.
func (cfg *Gateway) ApplyEnv() {
	if v := os.Getenv(EnvOriginAccessKey); v != "" {
		cfg.Origin.AccessKey = v
	}
	if v := os.Getenv(EnvOriginSecretKey); v != "" {
		cfg.Origin.SecretKey = v
	}
}

func (cfg *Gateway) Validate() error {
	if cfg.DataDir == "" {
		return ErrDataDirMissing
	}
	if cfg.HttpBinding == "" {
		return ErrHttpBindingMissing
	}
	if cfg.PublicOrigin != "" {
		if _, err := share.NormalizeOrigin(cfg.PublicOrigin); err != nil {
			return ErrPublicOriginInvalid
		}
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	if cfg.Cache.InfoTTL == 0 {
		return ErrCacheInfoTTLMissing
	}

	if cfg.Storage.ChunkSize <= 0 {
		return ErrStorageChunkSizeInvalid
	}
	if cfg.Storage.SubchunkSize <= 0 || cfg.Storage.SubchunkSize > cfg.Storage.ChunkSize ||
		cfg.Storage.ChunkSize%cfg.Storage.SubchunkSize != 0 {
		return ErrStorageSubchunkSizeInvalid
	}
	switch cfg.Storage.Codec {
	case "", "none", "zstd", "lz4":
	default:
		return ErrStorageCodecInvalid
	}
	if cfg.Storage.MaxBlobSize <= 0 {
		return ErrStorageMaxBlobSizeMissing
	}

	if cfg.Origin.Enabled {
		if cfg.Origin.Endpoint == "" {
			return ErrOriginEndpointMissing
		}
		if cfg.Origin.Bucket == "" {
			return ErrOriginBucketMissing
		}
	}

	if cfg.RateLimiters.Info.Limit == 0 {
		return ErrRateLimitersInfoLimitMissing
	}
	if cfg.RateLimiters.Content.Limit == 0 {
		return ErrRateLimitersContentLimitMissing
	}
	if cfg.RateLimiters.Upload.Limit == 0 {
		return ErrRateLimitersUploadLimitMissing
	}
	if cfg.RateLimiters.Events.Limit == 0 {
		return ErrRateLimitersEventsLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return ErrSessionsEventChannelSizeMissing
	}
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return ErrSessionsWebSocketReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}

	if cfg.SSH.Enabled {
		if cfg.SSH.Binding == "" {
			return ErrSSHBindingMissing
		}
		if cfg.SSH.HostKeyPath == "" {
			return ErrSSHHostKeyPathMissing
		}
		// Sessions have no request to derive share links from.
		if cfg.PublicOrigin == "" {
			return ErrSSHPublicOriginMissing
		}
	}
	return nil
}

// BlobsDir is where the badger blob store lives.
func (cfg *Gateway) BlobsDir() string {
	return filepath.Join(cfg.DataDir, BadgerBlobsDirName)
}

// GenerateConfig returns a config with working defaults. The data
// directory is placed next to configFile.
func GenerateConfig(configFile string) (*Gateway, error) {
	if configFile == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	dataDir := filepath.Join(filepath.Dir(configFile), "onvm-data")

	return &Gateway{
		DataDir:      dataDir,
		HttpBinding:  "127.0.0.1:8088",
		PublicOrigin: "http://127.0.0.1:8088",
		Logging:      Logging{Level: "info"},
		Cache:        Cache{InfoTTL: time.Minute},
		Storage: Storage{
			ChunkSize:    DefaultChunkSize,
			SubchunkSize: DefaultSubchunkSize,
			Codec:        "zstd",
			MaxBlobSize:  DefaultMaxBlobSize,
		},
		Origin: Origin{
			Enabled: false,
			Region:  "us-east-1",
			Bucket:  "onvm-blobs",
			Prefix:  "blobs/",
			UseSSL:  true,
		},
		RateLimiters: RateLimiters{
			Info:    RateLimiterConfig{Limit: 50, Burst: 100},
			Content: RateLimiterConfig{Limit: 20, Burst: 40},
			Upload:  RateLimiterConfig{Limit: 2, Burst: 4},
			Events:  RateLimiterConfig{Limit: 5, Burst: 10},
			Default: RateLimiterConfig{Limit: 100, Burst: 200},
		},
		Sessions: SessionsConfig{
			EventChannelSize:         256,
			WebSocketReadBufferSize:  1024,
			WebSocketWriteBufferSize: 1024,
			MaxConnections:           128,
		},
		SSH: SSH{
			Enabled:     false,
			Binding:     "127.0.0.1:2222",
			HostKeyPath: filepath.Join(dataDir, "ssh", "host_ed25519"),
			DownloadDir: filepath.Join(dataDir, "downloads"),
		},
	}, nil
}
