package stream

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compress returns a reader producing the zstd-compressed form of src.
// level follows the zstd command line scale (1-19). Closing the returned reader stops
// the encoder and closes src if it is an io.Closer.
func Compress(src io.Reader, level int) (io.ReadCloser, error) {
	if level < 1 || level > 19 {
		return nil, fmt.Errorf("compression level should be between 1 and 19, got %d", level)
	}

	pr, pw := io.Pipe()
	encoder, err := zstd.NewWriter(pw, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}

	go func() {
		_, err := io.Copy(encoder, src)
		if closeErr := encoder.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			pw.CloseWithError(fmt.Errorf("compress: %w", err))
			return
		}
		pw.Close() //nolint:errcheck
	}()

	return &compressedReader{PipeReader: pr, src: src}, nil
}

type compressedReader struct {
	*io.PipeReader
	src io.Reader
}

func (r *compressedReader) Close() error {
	err := r.PipeReader.Close()
	if closer, ok := r.src.(io.Closer); ok {
		if closeErr := closer.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}
