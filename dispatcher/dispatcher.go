package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"golang.org/x/sync/semaphore"
)

// Dispatcher uploads submitted parts in the background.
//
// Submit never blocks: each part gets its own goroutine that waits for an upload slot.
// Submit and Wait must be called from the same goroutine (the one driving the chunker).
type Dispatcher struct {
	config   Config
	uploader PartUploader
	releaser Releaser
	canceler Canceler
	logger   log.Logger
	stats    *Stats
	slots    *semaphore.Weighted

	wg     sync.WaitGroup
	active atomic.Int64
	sent   atomic.Int64

	mu        sync.Mutex
	completed []CompletedPart
	err       error
}

// New creates a Dispatcher. Failed parts trigger canceler; settled parts release
// their size through releaser.
func New(config Config, uploader PartUploader, releaser Releaser, canceler Canceler, logger log.Logger) *Dispatcher {
	config = config.withDefaults()
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Dispatcher{
		config:   config,
		uploader: uploader,
		releaser: releaser,
		canceler: canceler,
		logger:   logger,
		stats:    NewStats(),
		slots:    semaphore.NewWeighted(int64(config.Concurrency)),
	}
}

// Submit schedules the upload of one part and returns immediately.
func (d *Dispatcher) Submit(number int, payload []byte) {
	d.wg.Add(1)
	d.active.Add(1)

	go func() {
		defer d.wg.Done()
		defer d.active.Add(-1)
		defer d.releaser.Release(int64(len(payload)))

		ctx := d.canceler.Context()
		if err := d.slots.Acquire(ctx, 1); err != nil {
			d.fail(fmt.Errorf("part %d not uploaded: %w", number, context.Cause(ctx)))
			return
		}
		defer d.slots.Release(1)

		etag, err := d.uploadPartWithRetry(ctx, number, payload)
		if err != nil {
			d.fail(err)
			return
		}

		d.sent.Add(int64(len(payload)))
		d.mu.Lock()
		d.completed = append(d.completed, CompletedPart{
			Number: number,
			ETag:   etag,
			Size:   int64(len(payload)),
		})
		d.mu.Unlock()
	}()
}

// Wait blocks until every submitted part has settled and returns the completed parts
// ordered by part number, or the first failure.
func (d *Dispatcher) Wait() ([]CompletedPart, error) {
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	parts := make([]CompletedPart, len(d.completed))
	copy(parts, d.completed)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	return parts, nil
}

// ActiveUploads returns the number of submitted parts that have not settled yet.
func (d *Dispatcher) ActiveUploads() int64 {
	return d.active.Load()
}

// BytesSent returns the total size of successfully uploaded parts.
func (d *Dispatcher) BytesSent() int64 {
	return d.sent.Load()
}

// Stats returns the upload statistics.
func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

func (d *Dispatcher) fail(err error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()

	d.canceler.Trigger(err)
}

func (d *Dispatcher) uploadPartWithRetry(ctx context.Context, number int, payload []byte) (string, error) {
	var uploadErr error

	for attempt := 0; attempt < d.config.MaxRetryPerPart; attempt++ {
		if ctx.Err() != nil {
			return "", fmt.Errorf("part %d upload cancelled: %w", number, context.Cause(ctx))
		}

		d.logger.Debugf("Uploading part %d (%s) (attempt %d/%d) [finished=%d] [avg=%v]",
			number, units.HumanSize(float64(len(payload))), attempt+1, d.config.MaxRetryPerPart,
			d.stats.FinishedCount(), d.stats.Average().Round(time.Millisecond))

		start := time.Now()
		partCtx, cancelPart := context.WithCancel(ctx)

		// No hung detection on the last attempt
		if attempt < d.config.MaxRetryPerPart-1 && d.config.HungThreshold > 0 {
			go d.detectHungUpload(partCtx, cancelPart, start, number)
		}

		var etag string
		etag, uploadErr = d.uploader.UploadPart(partCtx, number, payload)
		hung := partCtx.Err() != nil && ctx.Err() == nil
		cancelPart()

		if uploadErr == nil {
			took := time.Since(start)
			d.stats.Update(took, int64(len(payload)))
			d.logger.Debugf("Part %d uploaded in %v, ETag: %s", number, took.Round(time.Millisecond), etag)
			return etag, nil
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("part %d upload cancelled: %w", number, context.Cause(ctx))
		}

		d.logger.Warnf("Part %d attempt %d failed: %s", number, attempt+1, uploadErr)

		if hung {
			backoff := time.Duration(attempt+1) * d.config.RetryBackoff
			d.logger.Warnf("Part %d attempt %d cancelled (hung), retrying after %v", number, attempt+1, backoff)
			if err := sleepContext(ctx, backoff); err != nil {
				return "", fmt.Errorf("part %d upload cancelled: %w", number, context.Cause(ctx))
			}
		}
	}

	return "", fmt.Errorf("part %d failed after %d attempts: %w", number, d.config.MaxRetryPerPart, uploadErr)
}

func (d *Dispatcher) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, number int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := d.stats.Average()
				if elapsed-avg > d.config.HungThreshold {
					d.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
						number, elapsed.Round(time.Second), avg.Round(time.Second))
					cancel()
					return
				}
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
