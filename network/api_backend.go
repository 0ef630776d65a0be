package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-stream-uploader/dispatcher"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
)

// APIParams ...
type APIParams struct {
	APIBaseURL  string
	Token       string
	ContentType string
	// HTTPClient uploads the parts to the presigned URLs.
	// If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client
}

// APIBackend runs multipart uploads through the upload service API: the service hands
// out a presigned URL per part and assembles the object on acknowledge.
type APIBackend struct {
	client      apiClient
	partClient  *http.Client
	contentType string
	logger      log.Logger
}

// NewAPIBackend ...
func NewAPIBackend(params APIParams, logger log.Logger) (*APIBackend, error) {
	if params.APIBaseURL == "" {
		return nil, fmt.Errorf("API base URL must not be empty")
	}
	if params.Token == "" {
		return nil, fmt.Errorf("API token must not be empty")
	}

	partClient := params.HTTPClient
	if partClient == nil {
		partClient = DefaultHTTPClient()
	}
	contentType := params.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &APIBackend{
		client:      newAPIClient(retryhttp.NewClient(logger), strings.TrimSuffix(params.APIBaseURL, "/"), params.Token, logger),
		partClient:  partClient,
		contentType: contentType,
		logger:      logger,
	}, nil
}

// DefaultHTTPClient creates an HTTP client optimized for part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual part timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Begin ...
func (b *APIBackend) Begin(ctx context.Context, key string) (MultipartUpload, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("validate key: %w", err)
	}

	b.logger.Debugf("Prepare multipart upload")
	resp, err := b.client.prepareUpload(ctx, prepareUploadRequest{
		Key:         key,
		ContentType: b.contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare upload: %w", err)
	}
	b.logger.Debugf("Upload ID: %s", resp.ID)

	return &apiUpload{backend: b, uploadID: resp.ID}, nil
}

// CloseIdleConnections closes idle connections of the part upload client.
func (b *APIBackend) CloseIdleConnections() {
	b.partClient.CloseIdleConnections()
}

type apiUpload struct {
	backend  *APIBackend
	uploadID string
}

func (u *apiUpload) ID() string {
	return u.uploadID
}

func (u *apiUpload) UploadPart(ctx context.Context, number int, payload []byte) (string, error) {
	url, err := u.backend.client.partURL(ctx, u.uploadID, number, int64(len(payload)))
	if err != nil {
		return "", fmt.Errorf("get upload URL for part %d: %w", number, err)
	}

	req, err := http.NewRequestWithContext(ctx, url.Method, url.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(payload))

	resp, err := u.backend.partClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(errorBody[:n]))
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", fmt.Errorf("no ETag in response")
	}

	return etag, nil
}

func (u *apiUpload) Complete(ctx context.Context, parts []dispatcher.CompletedPart) error {
	etags := make([]string, 0, len(parts))
	for _, p := range parts {
		etags = append(etags, p.ETag)
	}

	response, err := u.backend.client.acknowledgeUpload(ctx, true, u.uploadID, etags)
	if err != nil {
		return fmt.Errorf("acknowledge upload: %w", err)
	}
	logResponseMessage(response, u.backend.logger)

	return nil
}

func (u *apiUpload) Abort(ctx context.Context) error {
	response, err := u.backend.client.acknowledgeUpload(ctx, false, u.uploadID, nil)
	if err != nil {
		return fmt.Errorf("acknowledge failed upload: %w", err)
	}
	logResponseMessage(response, u.backend.logger)

	return nil
}
