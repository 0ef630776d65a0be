// Package dispatcher uploads parts in the background with bounded parallelism,
// automatic retries and hung request detection.
package dispatcher

import (
	"context"
)

// PartUploader transmits a single part and returns its ETag.
// For retries, UploadPart may be called multiple times for the same part number.
type PartUploader interface {
	UploadPart(ctx context.Context, number int, payload []byte) (string, error)
}

// Releaser returns bytes to the memory budget once a part settles.
type Releaser interface {
	Release(n int64)
}

// Canceler is the session's stop flag.
type Canceler interface {
	Trigger(cause error)
	Context() context.Context
}

// CompletedPart is a part that was accepted by the storage backend.
type CompletedPart struct {
	Number int
	ETag   string
	Size   int64
}
