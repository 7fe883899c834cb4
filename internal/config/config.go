// Package config loads the ingest service's config.yml, following the
// section layout the service exposes operators: server, r2 (object store),
// video (encoder selection), and an optional clickhouse block that is parsed
// but read by no component (analytics runs on Redis), alongside the redis,
// postgres, rate_limit, cors and tls blocks. Values may be overridden with INGESTD_-prefixed environment
// variables, mirroring the flag-plus-env idiom the rest of this codebase
// uses for process configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	SecretKey            string `yaml:"secret_key"`
	AdminPassword        string `yaml:"admin_password"`
	MaxConcurrentEncodes int    `yaml:"max_concurrent_encodes"`
	MaxConcurrentUploads int    `yaml:"max_concurrent_uploads"`
	StagingDir           string `yaml:"staging_dir"`
	WorkDir              string `yaml:"work_dir"`
}

type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicBaseURL   string `yaml:"public_base_url"`
	UseSSL          bool   `yaml:"use_ssl"`
}

type VideoConfig struct {
	Encoder       string `yaml:"encoder"`
	FFmpegBinary  string `yaml:"ffmpeg_binary"`
	FFprobeBinary string `yaml:"ffprobe_binary"`
}

type ClickhouseConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RateLimitConfig tunes the HTTP server's request throttling: a global
// requests-per-second budget and a per-client limit on upload submissions,
// optionally backed by Redis so the limit holds across server processes.
type RateLimitConfig struct {
	GlobalRPS             float64  `yaml:"global_rps"`
	GlobalBurst           int      `yaml:"global_burst"`
	UploadLimit           int      `yaml:"upload_limit"`
	UploadWindowSeconds   int      `yaml:"upload_window_seconds"`
	TrustForwardedHeaders bool     `yaml:"trust_forwarded_headers"`
	TrustedProxies        []string `yaml:"trusted_proxies"`
}

// CORSConfig declares the origins allowed to reach the API cross-origin.
// Leaving both lists empty restricts the API to same-origin requests.
type CORSConfig struct {
	AdminOrigins  []string `yaml:"admin_origins"`
	ViewerOrigins []string `yaml:"viewer_origins"`
}

// TLSConfig names the certificate and key files the server listens with.
// Leaving both empty serves plain HTTP, suitable behind a terminating proxy.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Config is the fully resolved process configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	R2         ObjectStoreConfig `yaml:"r2"`
	Video      VideoConfig       `yaml:"video"`
	Clickhouse ClickhouseConfig  `yaml:"clickhouse"`
	Redis      RedisConfig       `yaml:"redis"`
	Postgres   PostgresConfig    `yaml:"postgres"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	CORS       CORSConfig        `yaml:"cors"`
	TLS        TLSConfig         `yaml:"tls"`
}

const (
	defaultHost                 = "0.0.0.0"
	defaultPort                 = 8080
	defaultMaxConcurrentEncodes = 2
	defaultMaxConcurrentUploads = 8
	defaultEncoder              = "libx264"
	defaultFFmpegBinary         = "ffmpeg"
	defaultFFprobeBinary        = "ffprobe"
	defaultStagingDir           = "/var/lib/ingestd/staging"
	defaultWorkDir              = "/var/lib/ingestd/work"
	defaultGlobalRPS            = 50
	defaultGlobalBurst          = 100
	defaultUploadLimit          = 20
	defaultUploadWindowSeconds  = 60
)

// Load reads and parses the YAML file at path, then applies INGESTD_*
// environment variable overrides, then fills in defaults for anything still
// unset.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return cfg, validate(cfg)
}

func applyEnvOverrides(cfg *Config) {
	stringVar(&cfg.Server.Host, "INGESTD_SERVER_HOST")
	intVar(&cfg.Server.Port, "INGESTD_SERVER_PORT")
	stringVar(&cfg.Server.SecretKey, "INGESTD_SERVER_SECRET_KEY")
	stringVar(&cfg.Server.AdminPassword, "INGESTD_SERVER_ADMIN_PASSWORD")
	intVar(&cfg.Server.MaxConcurrentEncodes, "INGESTD_MAX_CONCURRENT_ENCODES")
	intVar(&cfg.Server.MaxConcurrentUploads, "INGESTD_MAX_CONCURRENT_UPLOADS")

	stringVar(&cfg.R2.Endpoint, "INGESTD_R2_ENDPOINT")
	stringVar(&cfg.R2.Bucket, "INGESTD_R2_BUCKET")
	stringVar(&cfg.R2.AccessKeyID, "INGESTD_R2_ACCESS_KEY_ID")
	stringVar(&cfg.R2.SecretAccessKey, "INGESTD_R2_SECRET_ACCESS_KEY")
	stringVar(&cfg.R2.PublicBaseURL, "INGESTD_R2_PUBLIC_BASE_URL")
	boolVar(&cfg.R2.UseSSL, "INGESTD_R2_USE_SSL")

	stringVar(&cfg.Video.Encoder, "INGESTD_VIDEO_ENCODER")
	stringVar(&cfg.Video.FFmpegBinary, "INGESTD_VIDEO_FFMPEG_BINARY")
	stringVar(&cfg.Video.FFprobeBinary, "INGESTD_VIDEO_FFPROBE_BINARY")

	stringVar(&cfg.Server.StagingDir, "INGESTD_SERVER_STAGING_DIR")
	stringVar(&cfg.Server.WorkDir, "INGESTD_SERVER_WORK_DIR")

	stringVar(&cfg.Clickhouse.URL, "INGESTD_CLICKHOUSE_URL")
	stringVar(&cfg.Clickhouse.User, "INGESTD_CLICKHOUSE_USER")
	stringVar(&cfg.Clickhouse.Password, "INGESTD_CLICKHOUSE_PASSWORD")
	stringVar(&cfg.Clickhouse.Database, "INGESTD_CLICKHOUSE_DATABASE")

	stringVar(&cfg.Redis.Addr, "INGESTD_REDIS_ADDR")
	stringVar(&cfg.Redis.Password, "INGESTD_REDIS_PASSWORD")

	stringVar(&cfg.Postgres.DSN, "INGESTD_POSTGRES_DSN")

	stringVar(&cfg.TLS.CertFile, "INGESTD_TLS_CERT_FILE")
	stringVar(&cfg.TLS.KeyFile, "INGESTD_TLS_KEY_FILE")
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Server.Host) == "" {
		cfg.Server.Host = defaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Server.MaxConcurrentEncodes <= 0 {
		cfg.Server.MaxConcurrentEncodes = defaultMaxConcurrentEncodes
	}
	if cfg.Server.MaxConcurrentUploads <= 0 {
		cfg.Server.MaxConcurrentUploads = defaultMaxConcurrentUploads
	}
	if strings.TrimSpace(cfg.Video.Encoder) == "" {
		cfg.Video.Encoder = defaultEncoder
	}
	if strings.TrimSpace(cfg.Video.FFmpegBinary) == "" {
		cfg.Video.FFmpegBinary = defaultFFmpegBinary
	}
	if strings.TrimSpace(cfg.Video.FFprobeBinary) == "" {
		cfg.Video.FFprobeBinary = defaultFFprobeBinary
	}
	if strings.TrimSpace(cfg.Server.StagingDir) == "" {
		cfg.Server.StagingDir = defaultStagingDir
	}
	if strings.TrimSpace(cfg.Server.WorkDir) == "" {
		cfg.Server.WorkDir = defaultWorkDir
	}
	if cfg.RateLimit.GlobalRPS <= 0 {
		cfg.RateLimit.GlobalRPS = defaultGlobalRPS
	}
	if cfg.RateLimit.GlobalBurst <= 0 {
		cfg.RateLimit.GlobalBurst = defaultGlobalBurst
	}
	if cfg.RateLimit.UploadLimit <= 0 {
		cfg.RateLimit.UploadLimit = defaultUploadLimit
	}
	if cfg.RateLimit.UploadWindowSeconds <= 0 {
		cfg.RateLimit.UploadWindowSeconds = defaultUploadWindowSeconds
	}
}

func validate(cfg Config) error {
	switch cfg.Video.Encoder {
	case "libx264", "h264_nvenc", "h264_vaapi", "h264_qsv":
	default:
		return fmt.Errorf("video.encoder: unsupported value %q", cfg.Video.Encoder)
	}
	if strings.TrimSpace(cfg.Server.AdminPassword) == "" {
		return fmt.Errorf("server.admin_password is required")
	}
	if strings.TrimSpace(cfg.R2.Bucket) == "" {
		return fmt.Errorf("r2.bucket is required")
	}
	return nil
}

func stringVar(dest *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dest = v
	}
}

func intVar(dest *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dest = parsed
		}
	}
}

func boolVar(dest *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dest = parsed
		}
	}
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
