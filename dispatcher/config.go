package dispatcher

import (
	"runtime"
	"time"
)

// Config holds configuration for the dispatcher.
type Config struct {
	// Concurrency is the maximum number of parallel part uploads.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetryPerPart is the maximum number of attempts per part.
	// Default: 3
	MaxRetryPerPart int

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// RetryBackoff is multiplied by the attempt number before retrying a hung part.
	// Default: 2 seconds
	RetryBackoff time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:     DefaultConcurrency(),
		MaxRetryPerPart: 3,
		HungThreshold:   30 * time.Second,
		RetryBackoff:    2 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConcurrency()
	}
	if c.MaxRetryPerPart < 1 {
		c.MaxRetryPerPart = 1
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}
