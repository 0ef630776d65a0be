package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-stream-uploader/dispatcher"
	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	}
	return ""
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func s3Env(extra map[string]string) fakeEnvRepo {
	envVars := map[string]string{
		"AWS_REGION":           "us-east-1",
		"STREAM_UPLOAD_BUCKET": "artifacts",
	}
	for k, v := range extra {
		envVars[k] = v
	}
	return fakeEnvRepo{envVars: envVars}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(s3Env(nil))
	require.NoError(t, err)

	assert.Equal(t, int64(DefaultPartSize), cfg.PartSize)
	assert.Equal(t, int64(DefaultMemoryLimit), cfg.MemoryLimit)
	assert.Equal(t, DefaultReadBufferSize, cfg.ReadBufferSize)
	assert.Equal(t, 0, cfg.CompressionLevel)
	assert.Equal(t, BackendS3, cfg.Backend)
	assert.Equal(t, dispatcher.DefaultConfig(), cfg.Dispatcher)
	assert.False(t, cfg.Verbose)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(s3Env(map[string]string{
		"STREAM_UPLOAD_PART_SIZE":         "16MiB",
		"STREAM_UPLOAD_MEMORY_LIMIT":      "1g",
		"STREAM_UPLOAD_READ_BUFFER":       "64k",
		"STREAM_UPLOAD_COMPRESSION_LEVEL": "9",
		"STREAM_UPLOAD_CONCURRENCY":       "4",
		"STREAM_UPLOAD_MAX_RETRY":         "5",
		"STREAM_UPLOAD_HUNG_THRESHOLD":    "1m",
		"STREAM_UPLOAD_VERBOSE":           "true",
		"STREAM_UPLOAD_S3_ENDPOINT":       "https://r2.example.com",
		"AWS_ACCESS_KEY_ID":               "key-id",
		"AWS_SECRET_ACCESS_KEY":           "secret",
	}))
	require.NoError(t, err)

	assert.Equal(t, int64(16*1024*1024), cfg.PartSize)
	assert.Equal(t, int64(1024*1024*1024), cfg.MemoryLimit)
	assert.Equal(t, 64*1024, cfg.ReadBufferSize)
	assert.Equal(t, 9, cfg.CompressionLevel)
	assert.Equal(t, 4, cfg.Dispatcher.Concurrency)
	assert.Equal(t, 5, cfg.Dispatcher.MaxRetryPerPart)
	assert.Equal(t, time.Minute, cfg.Dispatcher.HungThreshold)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "https://r2.example.com", cfg.S3.Endpoint)
	assert.Equal(t, stepconf.Secret("secret"), cfg.S3.SecretAccessKey)
}

func TestLoad_APIBackend(t *testing.T) {
	cfg, err := Load(fakeEnvRepo{envVars: map[string]string{
		"STREAM_UPLOAD_BACKEND":   "API",
		"STREAM_UPLOAD_API_URL":   "https://uploads.example.com",
		"STREAM_UPLOAD_API_TOKEN": "token",
	}})
	require.NoError(t, err)

	assert.Equal(t, BackendAPI, cfg.Backend)
	assert.Equal(t, "https://uploads.example.com", cfg.API.BaseURL)
	assert.Equal(t, stepconf.Secret("token"), cfg.API.Token)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
	}{
		{name: "part size below protocol minimum", envVars: map[string]string{"STREAM_UPLOAD_PART_SIZE": "1MiB"}},
		{name: "unparsable part size", envVars: map[string]string{"STREAM_UPLOAD_PART_SIZE": "ten megs"}},
		{name: "memory limit below part size", envVars: map[string]string{"STREAM_UPLOAD_PART_SIZE": "64MiB", "STREAM_UPLOAD_MEMORY_LIMIT": "32MiB"}},
		{name: "compression level out of range", envVars: map[string]string{"STREAM_UPLOAD_COMPRESSION_LEVEL": "22"}},
		{name: "invalid concurrency", envVars: map[string]string{"STREAM_UPLOAD_CONCURRENCY": "many"}},
		{name: "zero concurrency", envVars: map[string]string{"STREAM_UPLOAD_CONCURRENCY": "0"}},
		{name: "invalid hung threshold", envVars: map[string]string{"STREAM_UPLOAD_HUNG_THRESHOLD": "soon"}},
		{name: "invalid verbose flag", envVars: map[string]string{"STREAM_UPLOAD_VERBOSE": "maybe"}},
		{name: "unknown backend", envVars: map[string]string{"STREAM_UPLOAD_BACKEND": "ftp"}},
		{name: "missing bucket", envVars: map[string]string{"STREAM_UPLOAD_BUCKET": ""}},
		{name: "api backend without token", envVars: map[string]string{"STREAM_UPLOAD_BACKEND": "api", "STREAM_UPLOAD_API_URL": "https://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(s3Env(tt.envVars))
			assert.Error(t, err)
		})
	}
}

func TestLoad_SecretsAreRedacted(t *testing.T) {
	cfg, err := Load(s3Env(map[string]string{
		"AWS_ACCESS_KEY_ID":     "key-id",
		"AWS_SECRET_ACCESS_KEY": "secret",
	}))
	require.NoError(t, err)

	printed := fmt.Sprintf("%v %s", cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey)
	assert.NotContains(t, printed, "key-id")
	assert.NotContains(t, printed, "secret")
}
