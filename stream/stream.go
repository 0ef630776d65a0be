// Package stream provides pull-based byte sources for the chunker.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultBufferSize is the read size used by FromReader when none is given.
const DefaultBufferSize = 1024 * 1024

// ByteStream is an ordered, finite source of byte buffers.
//
// Next blocks until a buffer is available and returns io.EOF, with no data, once the
// source is exhausted. Returned buffers are owned by the caller and are never reused
// by the stream. Release gives up the pull handle; it is safe to call more than once.
type ByteStream interface {
	Next(ctx context.Context) ([]byte, error)
	Release() error
}

// ErrReleased is returned by Next after Release.
var ErrReleased = errors.New("stream already released")

// ReaderStream pulls buffers from an io.Reader.
type ReaderStream struct {
	r       io.Reader
	bufSize int
	eof     bool

	releaseOnce sync.Once
	released    bool
	releaseErr  error
}

// FromReader creates a ByteStream that reads up to bufSize bytes per pull.
// If r is an io.Closer it is closed on Release.
func FromReader(r io.Reader, bufSize int) *ReaderStream {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &ReaderStream{
		r:       r,
		bufSize: bufSize,
	}
}

// Next ...
func (s *ReaderStream) Next(ctx context.Context) ([]byte, error) {
	if s.released {
		return nil, ErrReleased
	}
	if s.eof {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, s.bufSize)
	n, err := s.r.Read(buf)
	if errors.Is(err, io.EOF) {
		s.eof = true
		if n == 0 {
			return nil, io.EOF
		}
		return buf[:n], nil
	}
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	return buf[:n], nil
}

// Release ...
func (s *ReaderStream) Release() error {
	s.releaseOnce.Do(func() {
		s.released = true
		if closer, ok := s.r.(io.Closer); ok {
			s.releaseErr = closer.Close()
		}
	})
	return s.releaseErr
}

// ChannelStream pulls buffers sent by a producer goroutine.
// The producer closes data when it is finished and may send a single error on errs.
type ChannelStream struct {
	data <-chan []byte
	errs <-chan error

	mu       sync.Mutex
	released chan struct{}
}

// FromChannel creates a ByteStream over a producer's channels. errs may be nil.
func FromChannel(data <-chan []byte, errs <-chan error) *ChannelStream {
	return &ChannelStream{
		data:     data,
		errs:     errs,
		released: make(chan struct{}),
	}
}

// Next ...
func (s *ChannelStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-s.released:
		return nil, ErrReleased
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.released:
			return nil, ErrReleased
		case err, ok := <-s.errs:
			if !ok || err == nil {
				// closed error channel: keep draining data
				s.errs = nil
				continue
			}
			return nil, err
		case buf, ok := <-s.data:
			if !ok {
				return nil, io.EOF
			}
			return buf, nil
		}
	}
}

// Release stops further pulls. The producer is not waited for.
func (s *ChannelStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.released:
	default:
		close(s.released)
	}
	return nil
}
