// Package session drives the upload of one byte stream into one multipart object.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-stream-uploader/budget"
	"github.com/bitrise-io/go-stream-uploader/cancellation"
	"github.com/bitrise-io/go-stream-uploader/chunker"
	"github.com/bitrise-io/go-stream-uploader/dispatcher"
	"github.com/bitrise-io/go-stream-uploader/network"
	"github.com/bitrise-io/go-stream-uploader/stream"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// ErrEmptyStream is returned when the stream ends before producing a single byte.
var ErrEmptyStream = errors.New("stream is empty, nothing to upload")

// Params ...
type Params struct {
	PartSize   int64
	Dispatcher dispatcher.Config
	Backend    network.Backend

	// Budget is shared by every session of the process.
	Budget *budget.Budget
	Logger log.Logger

	// Analytics receives one event per finished session. Optional.
	Analytics analytics.Tracker
}

// Result describes a completed upload.
type Result struct {
	Key      string
	UploadID string
	Parts    []dispatcher.CompletedPart
	Bytes    int64
	Duration time.Duration
}

// Uploader runs upload sessions. It is safe to call Run concurrently; every call
// uploads into its own object with its own chunker.
type Uploader struct {
	partSize   int64
	dispatcher dispatcher.Config
	backend    network.Backend
	budget     *budget.Budget
	logger     log.Logger
	tracker    uploadTracker
}

// New ...
func New(p Params) (*Uploader, error) {
	if p.PartSize <= 0 {
		return nil, fmt.Errorf("%w, got %d", chunker.ErrInvalidPartSize, p.PartSize)
	}
	if p.Backend == nil {
		return nil, fmt.Errorf("backend must not be nil")
	}
	if p.Budget == nil {
		return nil, fmt.Errorf("budget must not be nil")
	}
	logger := p.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Uploader{
		partSize:   p.PartSize,
		dispatcher: p.Dispatcher,
		backend:    p.Backend,
		budget:     p.Budget,
		logger:     logger,
		tracker:    uploadTracker{tracker: p.Analytics},
	}, nil
}

// Run uploads everything src produces to key. src is released before Run returns.
func (u *Uploader) Run(ctx context.Context, key string, src stream.ByteStream) (Result, error) {
	sessionID := uuid.NewString()
	start := time.Now()

	upload, err := u.backend.Begin(ctx, key)
	if err != nil {
		if releaseErr := src.Release(); releaseErr != nil {
			u.logger.Warnf("[%s] %s", sessionID, releaseErr)
		}
		u.tracker.logUploadFailed(time.Since(start), 0, err)
		return Result{}, fmt.Errorf("begin upload: %w", err)
	}
	u.logger.Infof("[%s] Uploading %s (upload ID: %s)", sessionID, key, upload.ID())

	signal := cancellation.New(ctx)
	defer signal.Trigger(context.Canceled)
	d := dispatcher.New(u.dispatcher, upload, u.budget, signal, u.logger)
	c, err := chunker.New(chunker.Params{
		PartSize:   u.partSize,
		Stream:     src,
		Budget:     u.budget,
		Dispatcher: d,
		Signal:     signal,
		Logger:     u.logger,
	})
	if err != nil {
		if releaseErr := src.Release(); releaseErr != nil {
			u.logger.Warnf("[%s] %s", sessionID, releaseErr)
		}
		u.abort(upload, sessionID)
		return Result{}, fmt.Errorf("create chunker: %w", err)
	}

	u.pump(c, signal, sessionID)

	if err := c.Release(); err != nil {
		u.logger.Warnf("[%s] %s", sessionID, err)
	}

	parts, waitErr := d.Wait()

	if signal.IsCanceled() {
		u.budget.Release(c.Dropped())
		cause := signal.Cause()
		u.logger.Errorf("[%s] Upload of %s canceled: %s", sessionID, key, cause)
		u.abort(upload, sessionID)
		u.tracker.logUploadFailed(time.Since(start), d.BytesSent(), cause)
		return Result{}, fmt.Errorf("upload %s: %w", key, cause)
	}
	if waitErr != nil {
		u.abort(upload, sessionID)
		u.tracker.logUploadFailed(time.Since(start), d.BytesSent(), waitErr)
		return Result{}, fmt.Errorf("upload %s: %w", key, waitErr)
	}
	if len(parts) == 0 {
		u.abort(upload, sessionID)
		u.tracker.logUploadFailed(time.Since(start), 0, ErrEmptyStream)
		return Result{}, ErrEmptyStream
	}

	if err := upload.Complete(ctx, parts); err != nil {
		u.abort(upload, sessionID)
		u.tracker.logUploadFailed(time.Since(start), d.BytesSent(), err)
		return Result{}, fmt.Errorf("complete upload: %w", err)
	}

	result := Result{
		Key:      key,
		UploadID: upload.ID(),
		Parts:    parts,
		Bytes:    d.BytesSent(),
		Duration: time.Since(start),
	}
	u.logger.Donef("[%s] Uploaded %s: %d parts, %s in %s (%s/s)", sessionID, key, len(parts),
		units.HumanSizeWithPrecision(float64(result.Bytes), 3), result.Duration.Round(time.Millisecond),
		units.HumanSize(d.Stats().Throughput()))
	u.tracker.logUploadCompleted(result)

	return result, nil
}

// pump drives the chunker until the stream is exhausted or the session is canceled,
// waiting for budget capacity whenever a Pump call stops early.
func (u *Uploader) pump(c *chunker.Chunker, signal *cancellation.Signal, sessionID string) {
	for {
		c.Pump(signal.Context())
		if c.Done() || signal.IsCanceled() {
			return
		}

		u.logger.Debugf("[%s] Memory budget exhausted (%s of %s in use), waiting for uploads to finish",
			sessionID, units.HumanSize(float64(u.budget.InUse())), units.HumanSize(float64(u.budget.Limit())))
		if err := u.budget.Wait(signal.Context()); err != nil {
			// Wait only fails once the signal is set, so this keeps the original cause.
			signal.Trigger(err)
			// One more Pump observes the cancellation and discards the pending part.
			c.Pump(signal.Context())
			return
		}
	}
}

func (u *Uploader) abort(upload network.MultipartUpload, sessionID string) {
	// The session context may be the reason for aborting, so don't reuse it.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := upload.Abort(ctx); err != nil {
		u.logger.Warnf("[%s] Failed to abort upload %s: %s", sessionID, upload.ID(), err)
	}
}
