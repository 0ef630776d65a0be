package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const maxKeyLength = 1024

type prepareUploadRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}

type prepareUploadResponse struct {
	ID string `json:"id"`
}

type partURLRequest struct {
	SizeInBytes int64 `json:"size_in_bytes"`
}

type uploadURL struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type acknowledgeRequest struct {
	Successful bool     `json:"successful"`
	Etags      []string `json:"etags"`
}

type acknowledgeResponse struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c apiClient) prepareUpload(ctx context.Context, requestBody prepareUploadRequest) (prepareUploadResponse, error) {
	url := fmt.Sprintf("%s/multipart-upload", c.baseURL)

	var response prepareUploadResponse
	if err := c.doJSON(ctx, http.MethodPost, url, requestBody, http.StatusCreated, &response); err != nil {
		return prepareUploadResponse{}, err
	}
	if response.ID == "" {
		return prepareUploadResponse{}, fmt.Errorf("empty upload ID in response")
	}

	return response, nil
}

func (c apiClient) partURL(ctx context.Context, uploadID string, number int, size int64) (uploadURL, error) {
	url := fmt.Sprintf("%s/multipart-upload/%s/parts/%d", c.baseURL, uploadID, number)

	var response uploadURL
	if err := c.doJSON(ctx, http.MethodPost, url, partURLRequest{SizeInBytes: size}, http.StatusOK, &response); err != nil {
		return uploadURL{}, err
	}
	if response.URL == "" {
		return uploadURL{}, fmt.Errorf("empty upload URL for part %d", number)
	}
	if response.Method == "" {
		response.Method = http.MethodPut
	}

	return response, nil
}

func (c apiClient) acknowledgeUpload(ctx context.Context, successful bool, uploadID string, partTags []string) (acknowledgeResponse, error) {
	url := fmt.Sprintf("%s/multipart-upload/%s/acknowledge", c.baseURL, uploadID)

	var response acknowledgeResponse
	err := c.doJSON(ctx, http.MethodPatch, url, acknowledgeRequest{
		Successful: successful,
		Etags:      partTags,
	}, http.StatusOK, &response)
	if err != nil {
		return acknowledgeResponse{}, err
	}

	return response, nil
}

func (c apiClient) doJSON(ctx context.Context, method, url string, requestBody interface{}, wantStatus int, response interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warnf("close response body: %s", err)
		}
	}()

	if resp.StatusCode != wantStatus {
		return unwrapError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("key is longer than %d bytes", maxKeyLength)
	}
	return nil
}

func logResponseMessage(response acknowledgeResponse, logger log.Logger) {
	if response.Message == "" || response.Severity == "" {
		return
	}

	var loggerFn func(format string, v ...interface{})
	switch response.Severity {
	case "debug":
		loggerFn = logger.Debugf
	case "info":
		loggerFn = logger.Infof
	case "warning":
		loggerFn = logger.Warnf
	case "error":
		loggerFn = logger.Errorf
	default:
		loggerFn = logger.Printf
	}

	loggerFn("\n")
	loggerFn(response.Message)
	loggerFn("\n")
}
