package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-stream-uploader/budget"
	"github.com/bitrise-io/go-stream-uploader/cancellation"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uploaderFunc func(ctx context.Context, number int, payload []byte) (string, error)

func (f uploaderFunc) UploadPart(ctx context.Context, number int, payload []byte) (string, error) {
	return f(ctx, number, payload)
}

func testConfig() Config {
	config := DefaultConfig()
	config.Concurrency = 2
	config.HungThreshold = 0
	config.RetryBackoff = 0
	return config
}

func reserved(t *testing.T, sizes ...int) *budget.Budget {
	t.Helper()
	b, err := budget.New(1 << 20)
	require.NoError(t, err)
	for _, size := range sizes {
		b.Reserve(int64(size))
	}
	return b
}

func TestDispatcher_UploadsAllParts(t *testing.T) {
	b := reserved(t, 4, 4, 2)
	signal := cancellation.New(context.Background())
	uploader := uploaderFunc(func(ctx context.Context, number int, payload []byte) (string, error) {
		return fmt.Sprintf("\"etag-%d\"", number), nil
	})

	d := New(testConfig(), uploader, b, signal, log.NewLogger())
	d.Submit(1, []byte("abcd"))
	d.Submit(2, []byte("efgh"))
	d.Submit(3, []byte("ij"))

	parts, err := d.Wait()
	require.NoError(t, err)

	assert.Equal(t, []CompletedPart{
		{Number: 1, ETag: "\"etag-1\"", Size: 4},
		{Number: 2, ETag: "\"etag-2\"", Size: 4},
		{Number: 3, ETag: "\"etag-3\"", Size: 2},
	}, parts)
	assert.Equal(t, int64(10), d.BytesSent())
	assert.Equal(t, int64(0), d.ActiveUploads())
	assert.Equal(t, int64(0), b.InUse())
	assert.Equal(t, int64(3), d.Stats().FinishedCount())
	assert.False(t, signal.IsCanceled())
}

func TestDispatcher_SubmitDoesNotBlock(t *testing.T) {
	b := reserved(t, 5)
	signal := cancellation.New(context.Background())
	unblock := make(chan struct{})
	uploader := uploaderFunc(func(ctx context.Context, number int, payload []byte) (string, error) {
		<-unblock
		return "etag", nil
	})

	config := testConfig()
	config.Concurrency = 1
	d := New(config, uploader, b, signal, log.NewLogger())

	submitted := make(chan struct{})
	go func() {
		for i := 1; i <= 5; i++ {
			d.Submit(i, []byte{byte(i)})
		}
		close(submitted)
	}()

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on upload completion")
	}
	assert.Equal(t, int64(5), d.ActiveUploads())

	close(unblock)
	parts, err := d.Wait()
	require.NoError(t, err)
	assert.Len(t, parts, 5)
	assert.Equal(t, int64(0), d.ActiveUploads())
}

func TestDispatcher_RespectsConcurrency(t *testing.T) {
	b := reserved(t)
	signal := cancellation.New(context.Background())

	var current, peak int32
	uploader := uploaderFunc(func(ctx context.Context, number int, payload []byte) (string, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return "etag", nil
	})

	config := testConfig()
	config.Concurrency = 3
	d := New(config, uploader, b, signal, log.NewLogger())
	for i := 1; i <= 12; i++ {
		d.Submit(i, []byte("x"))
	}

	_, err := d.Wait()
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestDispatcher_Retry(t *testing.T) {
	b := reserved(t, 9)
	signal := cancellation.New(context.Background())

	var attempts int32
	uploader := uploaderFunc(func(ctx context.Context, number int, payload []byte) (string, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return "", errors.New("HTTP 500: temporary error")
		}
		return "\"success-etag\"", nil
	})

	config := testConfig()
	config.MaxRetryPerPart = 3
	d := New(config, uploader, b, signal, log.NewLogger())
	d.Submit(1, []byte("test-data"))

	parts, err := d.Wait()
	require.NoError(t, err)
	assert.Equal(t, "\"success-etag\"", parts[0].ETag)
	assert.Equal(t, int32(3), attempts)
}

func TestDispatcher_FailureTriggersCancellation(t *testing.T) {
	b := reserved(t, 4, 4)
	signal := cancellation.New(context.Background())
	failure := errors.New("HTTP 403: forbidden")

	uploader := uploaderFunc(func(ctx context.Context, number int, payload []byte) (string, error) {
		if number == 2 {
			return "", failure
		}
		return "etag", nil
	})

	d := New(testConfig(), uploader, b, signal, log.NewLogger())
	d.Submit(1, []byte("abcd"))
	d.Submit(2, []byte("efgh"))

	_, err := d.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.Contains(t, err.Error(), "part 2 failed after 3 attempts")
	assert.True(t, signal.IsCanceled())
	assert.ErrorIs(t, signal.Cause(), failure)
	assert.Equal(t, int64(0), b.InUse())
}

func TestDispatcher_CanceledSessionSkipsUploads(t *testing.T) {
	b := reserved(t, 4)
	signal := cancellation.New(context.Background())
	cause := errors.New("stream broke")
	signal.Trigger(cause)

	var calls int32
	uploader := uploaderFunc(func(ctx context.Context, number int, payload []byte) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "etag", nil
	})

	d := New(testConfig(), uploader, b, signal, log.NewLogger())
	d.Submit(1, []byte("abcd"))

	_, err := d.Wait()
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(0), calls)
	assert.Equal(t, int64(0), b.InUse())
	assert.Equal(t, int64(0), d.BytesSent())
}

func TestDispatcher_CancellationAbortsInFlightUpload(t *testing.T) {
	b := reserved(t, 4)
	signal := cancellation.New(context.Background())
	started := make(chan struct{})

	uploader := uploaderFunc(func(ctx context.Context, number int, payload []byte) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	d := New(testConfig(), uploader, b, signal, log.NewLogger())
	d.Submit(1, []byte("abcd"))

	<-started
	cause := errors.New("user abort")
	signal.Trigger(cause)

	_, err := d.Wait()
	assert.ErrorIs(t, err, cause)
}

func TestDispatcher_HungDetection(t *testing.T) {
	b := reserved(t, 2)
	signal := cancellation.New(context.Background())

	var mu sync.Mutex
	attempts := map[int]int{}
	uploader := uploaderFunc(func(ctx context.Context, number int, payload []byte) (string, error) {
		mu.Lock()
		attempts[number]++
		attempt := attempts[number]
		mu.Unlock()

		if number == 2 && attempt == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return fmt.Sprintf("etag-%d-%d", number, attempt), nil
	})

	config := testConfig()
	config.Concurrency = 1
	config.HungThreshold = 10 * time.Millisecond
	d := New(config, uploader, b, signal, log.NewLogger())

	d.Submit(1, []byte("a"))
	require.Eventually(t, func() bool { return d.BytesSent() == 1 }, time.Second, 5*time.Millisecond)
	d.Submit(2, []byte("b"))

	parts, err := d.Wait()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "etag-2-2", parts[1].ETag)
	assert.False(t, signal.IsCanceled())
}

func TestStats(t *testing.T) {
	stats := NewStats()

	assert.Equal(t, int64(0), stats.FinishedCount())
	assert.Equal(t, time.Duration(0), stats.Average())
	assert.Equal(t, float64(0), stats.Throughput())

	stats.Update(100*time.Millisecond, 100)
	stats.Update(200*time.Millisecond, 100)
	stats.Update(700*time.Millisecond, 800)

	assert.Equal(t, int64(3), stats.FinishedCount())
	assert.Equal(t, time.Second/3, stats.Average())
	assert.Equal(t, time.Second, stats.TotalDuration())
	assert.InDelta(t, 1000.0, stats.Throughput(), 0.001)
}

func TestDefaultConcurrency(t *testing.T) {
	c := DefaultConcurrency()
	if c < 2 {
		t.Errorf("Concurrency %d is below minimum 2", c)
	}
	if c > 20 {
		t.Errorf("Concurrency %d exceeds maximum 20", c)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	config := Config{}.withDefaults()

	assert.Equal(t, DefaultConcurrency(), config.Concurrency)
	assert.Equal(t, 1, config.MaxRetryPerPart)
}
