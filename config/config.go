// Package config reads the uploader settings from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-stream-uploader/dispatcher"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

const (
	// MinPartSize is the smallest non-final part S3 compatible services accept.
	MinPartSize = 5 * 1024 * 1024
	// DefaultPartSize ...
	DefaultPartSize = 10 * 1024 * 1024
	// DefaultMemoryLimit ...
	DefaultMemoryLimit = 256 * 1024 * 1024
	// DefaultReadBufferSize ...
	DefaultReadBufferSize = 1024 * 1024
)

// Backend names
const (
	BackendS3  = "s3"
	BackendAPI = "api"
)

// S3Config ...
type S3Config struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     stepconf.Secret
	SecretAccessKey stepconf.Secret
}

// APIConfig ...
type APIConfig struct {
	BaseURL string
	Token   stepconf.Secret
}

// Config holds every setting of an upload run.
type Config struct {
	Verbose bool
	// PartSize is the exact size of every non-final part.
	PartSize int64
	// MemoryLimit bounds the bytes buffered across all concurrent uploads.
	MemoryLimit      int64
	ReadBufferSize   int
	CompressionLevel int
	ContentType      string
	Dispatcher       dispatcher.Config
	Backend          string
	S3               S3Config
	API              APIConfig
}

// Load reads the configuration from envRepo and validates it.
func Load(envRepo env.Repository) (Config, error) {
	cfg := Config{
		PartSize:       DefaultPartSize,
		MemoryLimit:    DefaultMemoryLimit,
		ReadBufferSize: DefaultReadBufferSize,
		Dispatcher:     dispatcher.DefaultConfig(),
		Backend:        BackendS3,
		ContentType:    envRepo.Get("STREAM_UPLOAD_CONTENT_TYPE"),
		S3: S3Config{
			Region:          envRepo.Get("AWS_REGION"),
			Bucket:          envRepo.Get("STREAM_UPLOAD_BUCKET"),
			Endpoint:        envRepo.Get("STREAM_UPLOAD_S3_ENDPOINT"),
			AccessKeyID:     stepconf.Secret(envRepo.Get("AWS_ACCESS_KEY_ID")),
			SecretAccessKey: stepconf.Secret(envRepo.Get("AWS_SECRET_ACCESS_KEY")),
		},
		API: APIConfig{
			BaseURL: envRepo.Get("STREAM_UPLOAD_API_URL"),
			Token:   stepconf.Secret(envRepo.Get("STREAM_UPLOAD_API_TOKEN")),
		},
	}

	var err error
	if cfg.Verbose, err = parseBool(envRepo, "STREAM_UPLOAD_VERBOSE", false); err != nil {
		return Config{}, err
	}
	if cfg.PartSize, err = parseSize(envRepo, "STREAM_UPLOAD_PART_SIZE", cfg.PartSize); err != nil {
		return Config{}, err
	}
	if cfg.MemoryLimit, err = parseSize(envRepo, "STREAM_UPLOAD_MEMORY_LIMIT", cfg.MemoryLimit); err != nil {
		return Config{}, err
	}
	readBuffer, err := parseSize(envRepo, "STREAM_UPLOAD_READ_BUFFER", int64(cfg.ReadBufferSize))
	if err != nil {
		return Config{}, err
	}
	cfg.ReadBufferSize = int(readBuffer)
	if cfg.CompressionLevel, err = parseInt(envRepo, "STREAM_UPLOAD_COMPRESSION_LEVEL", 0); err != nil {
		return Config{}, err
	}
	if cfg.Dispatcher.Concurrency, err = parseInt(envRepo, "STREAM_UPLOAD_CONCURRENCY", cfg.Dispatcher.Concurrency); err != nil {
		return Config{}, err
	}
	if cfg.Dispatcher.MaxRetryPerPart, err = parseInt(envRepo, "STREAM_UPLOAD_MAX_RETRY", cfg.Dispatcher.MaxRetryPerPart); err != nil {
		return Config{}, err
	}
	if cfg.Dispatcher.HungThreshold, err = parseDuration(envRepo, "STREAM_UPLOAD_HUNG_THRESHOLD", cfg.Dispatcher.HungThreshold); err != nil {
		return Config{}, err
	}
	if backend := strings.TrimSpace(envRepo.Get("STREAM_UPLOAD_BACKEND")); backend != "" {
		cfg.Backend = strings.ToLower(backend)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the limits that the storage protocols and the chunker rely on.
func (c Config) Validate() error {
	if c.PartSize < MinPartSize {
		return fmt.Errorf("part size should be at least %s, got %s", units.BytesSize(MinPartSize), units.BytesSize(float64(c.PartSize)))
	}
	if c.MemoryLimit < c.PartSize {
		return fmt.Errorf("memory limit (%s) should not be smaller than the part size (%s)",
			units.BytesSize(float64(c.MemoryLimit)), units.BytesSize(float64(c.PartSize)))
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size should be positive")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 19 {
		return fmt.Errorf("compression level should be between 1 and 19 (0 disables compression)")
	}
	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("concurrency should be at least 1")
	}
	if c.Dispatcher.MaxRetryPerPart < 1 {
		return fmt.Errorf("max retry should be at least 1")
	}

	switch c.Backend {
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("the variable 'STREAM_UPLOAD_BUCKET' is not defined")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("the variable 'AWS_REGION' is not defined")
		}
	case BackendAPI:
		if c.API.BaseURL == "" {
			return fmt.Errorf("the secret 'STREAM_UPLOAD_API_URL' is not defined")
		}
		if c.API.Token == "" {
			return fmt.Errorf("the secret 'STREAM_UPLOAD_API_TOKEN' is not defined")
		}
	default:
		return fmt.Errorf("unknown backend %q, should be %q or %q", c.Backend, BackendS3, BackendAPI)
	}

	return nil
}

func parseSize(envRepo env.Repository, key string, defaultValue int64) (int64, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return size, nil
}

func parseInt(envRepo env.Repository, key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return i, nil
}

func parseBool(envRepo env.Repository, key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func parseDuration(envRepo env.Repository, key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
