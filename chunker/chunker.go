// Package chunker re-chunks an incrementally produced byte stream into fixed-size upload parts.
//
// Every part handed to the dispatcher is exactly the configured part size, except the
// last one of a stream, which may be shorter but never empty.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/bitrise-io/go-stream-uploader/stream"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// ErrInvalidPartSize is returned by New for a non-positive part size.
var ErrInvalidPartSize = errors.New("part size must be positive")

// Budget is the shared memory budget the chunker reserves pulled bytes against.
type Budget interface {
	HasCapacity() bool
	Reserve(n int64)
	InUse() int64
}

// Dispatcher uploads submitted parts asynchronously. Submit must not block.
type Dispatcher interface {
	Submit(number int, payload []byte)
	ActiveUploads() int64
	BytesSent() int64
}

// Signal is the cooperative stop flag of the upload session.
type Signal interface {
	IsCanceled() bool
	Trigger(cause error)
}

// Params ...
type Params struct {
	PartSize   int64
	Stream     stream.ByteStream
	Budget     Budget
	Dispatcher Dispatcher
	Signal     Signal
	Logger     log.Logger
}

// Chunker accumulates pulled buffers into parts and submits each complete part.
//
// Pump must not be called concurrently with itself on the same Chunker. Done and
// Reading may be observed from any goroutine. PartsSubmitted, BytesSubmitted,
// PendingBytes and Dropped may only be read between Pump calls.
type Chunker struct {
	partSize   int64
	stream     stream.ByteStream
	budget     Budget
	dispatcher Dispatcher
	signal     Signal
	logger     log.Logger

	pending      [][]byte
	pendingBytes int64
	nextNumber   int

	done    atomic.Bool
	reading atomic.Bool

	partsSubmitted int64
	bytesSubmitted int64
	dropped        int64
	released       bool
	releaseErr     error
}

// New creates a Chunker bound to one stream and its collaborators.
func New(p Params) (*Chunker, error) {
	if p.PartSize <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidPartSize, p.PartSize)
	}
	if p.Stream == nil {
		return nil, fmt.Errorf("stream must not be nil")
	}
	if p.Budget == nil {
		return nil, fmt.Errorf("budget must not be nil")
	}
	if p.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher must not be nil")
	}
	if p.Signal == nil {
		return nil, fmt.Errorf("signal must not be nil")
	}
	logger := p.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	return &Chunker{
		partSize:   p.PartSize,
		stream:     p.Stream,
		budget:     p.Budget,
		dispatcher: p.Dispatcher,
		signal:     p.Signal,
		logger:     logger,
		nextNumber: 1,
	}, nil
}

// Pump pulls from the stream while the budget has capacity and the signal is not set.
//
// It returns when the stream is exhausted (Done becomes true), when the budget runs
// out (call Pump again once capacity frees up) or when cancellation is observed.
// Pull errors are not returned: they trigger the signal instead.
func (c *Chunker) Pump(ctx context.Context) {
	c.reading.Store(true)
	defer c.reading.Store(false)

	for !c.done.Load() && c.budget.HasCapacity() && !c.signal.IsCanceled() {
		buf, err := c.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			c.done.Store(true)
			if c.pendingBytes > 0 {
				c.submit()
			}
			c.logger.Debugf("Stream exhausted after %d parts (%s)",
				c.partsSubmitted, units.HumanSize(float64(c.bytesSubmitted)))
			return
		}
		if err != nil {
			c.logger.Warnf("Failed to pull from stream: %s", err)
			c.signal.Trigger(err)
			continue
		}

		c.budget.Reserve(int64(len(buf)))
		c.slice(buf)
	}

	if c.signal.IsCanceled() {
		c.dropPending()
	}
}

// slice appends buf to the pending part, submitting a part each time it fills up.
func (c *Chunker) slice(buf []byte) {
	offset := int64(0)
	length := int64(len(buf))

	for offset < length {
		remaining := c.partSize - c.pendingBytes
		end := min(offset+remaining, length)

		c.pending = append(c.pending, buf[offset:end])
		c.pendingBytes += end - offset
		offset = end

		if c.pendingBytes == c.partSize {
			c.submit()
		}
	}
}

func (c *Chunker) submit() {
	number := c.nextNumber
	c.nextNumber++

	payload := make([]byte, 0, c.pendingBytes)
	for _, s := range c.pending {
		payload = append(payload, s...)
	}
	c.pending = nil
	c.pendingBytes = 0

	c.partsSubmitted++
	c.bytesSubmitted += int64(len(payload))

	c.dispatcher.Submit(number, payload)
	c.logger.Debugf("Submitted part %d (%s) [active=%d] [sent=%s] [buffered=%s]",
		number, units.HumanSize(float64(len(payload))),
		c.dispatcher.ActiveUploads(),
		units.HumanSize(float64(c.dispatcher.BytesSent())),
		units.HumanSize(float64(c.budget.InUse())))
}

func (c *Chunker) dropPending() {
	if c.pendingBytes == 0 {
		return
	}
	c.logger.Debugf("Dropping %s of pending part data after cancellation",
		units.HumanSize(float64(c.pendingBytes)))
	c.dropped += c.pendingBytes
	c.pending = nil
	c.pendingBytes = 0
}

// Release relinquishes the stream pull handle. Only the first call has an effect.
func (c *Chunker) Release() error {
	if c.released {
		return c.releaseErr
	}
	c.released = true
	if err := c.stream.Release(); err != nil {
		c.releaseErr = fmt.Errorf("release stream: %w", err)
	}
	return c.releaseErr
}

// Done reports whether the stream has been exhausted.
func (c *Chunker) Done() bool {
	return c.done.Load()
}

// Reading reports whether a Pump call is in progress.
func (c *Chunker) Reading() bool {
	return c.reading.Load()
}

// PartsSubmitted returns the number of parts handed to the dispatcher.
func (c *Chunker) PartsSubmitted() int64 {
	return c.partsSubmitted
}

// BytesSubmitted returns the total payload size handed to the dispatcher.
func (c *Chunker) BytesSubmitted() int64 {
	return c.bytesSubmitted
}

// PendingBytes returns the size of the part currently being assembled.
func (c *Chunker) PendingBytes() int64 {
	return c.pendingBytes
}

// Dropped returns the pending bytes discarded because of cancellation.
// They were reserved against the budget but never reached the dispatcher.
func (c *Chunker) Dropped() int64 {
	return c.dropped
}
