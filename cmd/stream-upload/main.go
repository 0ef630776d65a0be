package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bitrise-io/go-stream-uploader/budget"
	"github.com/bitrise-io/go-stream-uploader/config"
	"github.com/bitrise-io/go-stream-uploader/network"
	"github.com/bitrise-io/go-stream-uploader/session"
	"github.com/bitrise-io/go-stream-uploader/stream"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:      "stream-upload",
		Usage:     "Stream files or stdin into multipart objects with bounded memory",
		ArgsUsage: "PATH... (use - for stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Usage: "Object key, only valid with a single input"},
			&cli.StringFlag{Name: "prefix", Usage: "Prefix prepended to every derived object key"},
			&cli.StringFlag{Name: "backend", Usage: "Storage backend (s3 or api), overrides STREAM_UPLOAD_BACKEND"},
			&cli.StringFlag{Name: "part-size", Usage: "Size of every non-final part (e.g. 16MiB), overrides STREAM_UPLOAD_PART_SIZE"},
			&cli.StringFlag{Name: "memory-limit", Usage: "Memory budget shared by all uploads (e.g. 512MiB), overrides STREAM_UPLOAD_MEMORY_LIMIT"},
			&cli.IntFlag{Name: "concurrency", Usage: "Parallel part uploads per object, overrides STREAM_UPLOAD_CONCURRENCY"},
			&cli.IntFlag{Name: "compress", Usage: "zstd compression level (1-19), overrides STREAM_UPLOAD_COMPRESSION_LEVEL"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "Enable debug logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	envRepo := env.NewRepository()
	logger := log.NewLogger()

	cfg, err := loadConfig(c, envRepo)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Verbose)

	inputs, err := resolveInputs(c.Args().Slice(), c.String("key"), c.String("prefix"), cfg.CompressionLevel > 0,
		pathutil.NewPathModifier(), pathutil.NewPathChecker(), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if b, ok := backend.(*network.APIBackend); ok {
		defer b.CloseIdleConnections()
	}

	memory, err := budget.New(cfg.MemoryLimit)
	if err != nil {
		return err
	}

	tracker := session.NewTracker(envRepo, logger)
	defer tracker.Wait()

	uploader, err := session.New(session.Params{
		PartSize:   cfg.PartSize,
		Dispatcher: cfg.Dispatcher,
		Backend:    backend,
		Budget:     memory,
		Logger:     logger,
		Analytics:  tracker,
	})
	if err != nil {
		return err
	}

	logger.Infof("Uploading %d input(s): part size %s, memory limit %s, %d parallel part uploads per object",
		len(inputs), units.BytesSize(float64(cfg.PartSize)), units.BytesSize(float64(cfg.MemoryLimit)), cfg.Dispatcher.Concurrency)

	var (
		mu     sync.Mutex
		failed []string
	)
	var g errgroup.Group
	// Every object holds at most one partial part outside the dispatcher, so capping the
	// number of objects keeps the buffered partial parts below the memory limit.
	g.SetLimit(maxSessions(cfg))
	for _, in := range inputs {
		in := in
		g.Go(func() error {
			if err := upload(ctx, uploader, in, cfg); err != nil {
				logger.Errorf("Failed to upload %s: %s", in.path, err)
				mu.Lock()
				failed = append(failed, in.path)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d upload(s) failed: %v", len(failed), len(inputs), failed)
	}
	return nil
}

func upload(ctx context.Context, uploader *session.Uploader, in input, cfg config.Config) error {
	r, err := in.open()
	if err != nil {
		return err
	}

	if cfg.CompressionLevel > 0 {
		compressed, err := stream.Compress(r, cfg.CompressionLevel)
		if err != nil {
			r.Close() //nolint:errcheck
			return err
		}
		r = compressed
	}

	_, err = uploader.Run(ctx, in.key, stream.FromReader(r, cfg.ReadBufferSize))
	return err
}

func loadConfig(c *cli.Context, envRepo env.Repository) (config.Config, error) {
	overrides := map[string]string{
		"backend":      "STREAM_UPLOAD_BACKEND",
		"part-size":    "STREAM_UPLOAD_PART_SIZE",
		"memory-limit": "STREAM_UPLOAD_MEMORY_LIMIT",
		"concurrency":  "STREAM_UPLOAD_CONCURRENCY",
		"compress":     "STREAM_UPLOAD_COMPRESSION_LEVEL",
		"verbose":      "STREAM_UPLOAD_VERBOSE",
	}
	for flag, key := range overrides {
		if !c.IsSet(flag) {
			continue
		}
		if err := envRepo.Set(key, fmt.Sprint(c.Value(flag))); err != nil {
			return config.Config{}, fmt.Errorf("apply --%s: %w", flag, err)
		}
	}

	cfg, err := config.Load(envRepo)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newBackend(ctx context.Context, cfg config.Config, logger log.Logger) (network.Backend, error) {
	switch cfg.Backend {
	case config.BackendAPI:
		return network.NewAPIBackend(network.APIParams{
			APIBaseURL:  cfg.API.BaseURL,
			Token:       string(cfg.API.Token),
			ContentType: cfg.ContentType,
		}, logger)
	default:
		return network.NewS3Backend(ctx, network.S3Params{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     string(cfg.S3.AccessKeyID),
			SecretAccessKey: string(cfg.S3.SecretAccessKey),
			Endpoint:        cfg.S3.Endpoint,
			ContentType:     cfg.ContentType,
		}, logger)
	}
}

func maxSessions(cfg config.Config) int {
	return int(max(1, cfg.MemoryLimit/cfg.PartSize))
}
