package session

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// NewTracker returns an analytics tracker tagged with the properties of the current CI build.
func NewTracker(envRepo env.Repository, logger log.Logger) analytics.Tracker {
	p := analytics.Properties{
		"build_slug":  envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":    envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":    envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
		"is_pr_build": envRepo.Get("IS_PR") == "true",
	}
	return analytics.NewDefaultTracker(logger, p)
}

type uploadTracker struct {
	tracker analytics.Tracker
}

func (t uploadTracker) logUploadCompleted(result Result) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.Bytes,
		"part_count":        len(result.Parts),
	}
	t.tracker.Enqueue("stream_upload_completed", properties)
}

func (t uploadTracker) logUploadFailed(uploadTime time.Duration, bytesSent int64, err error) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_time_s":   uploadTime.Truncate(time.Second).Seconds(),
		"bytes_sent":      bytesSent,
		"error":           err.Error(),
		"is_empty_stream": errors.Is(err, ErrEmptyStream),
	}
	t.tracker.Enqueue("stream_upload_failed", properties)
}
