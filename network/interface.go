package network

import (
	"context"

	"github.com/bitrise-io/go-stream-uploader/dispatcher"
)

// Backend starts multipart uploads on a storage service.
type Backend interface {
	Begin(ctx context.Context, key string) (MultipartUpload, error)
}

// MultipartUpload is one in-progress multipart upload.
type MultipartUpload interface {
	dispatcher.PartUploader
	ID() string
	Complete(ctx context.Context, parts []dispatcher.CompletedPart) error
	Abort(ctx context.Context) error
}
