package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-stream-uploader/dispatcher"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3Retries = 3

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, for S3 compatible services (R2, MinIO).
	Endpoint    string
	ContentType string
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Backend runs multipart uploads against an S3 bucket.
type S3Backend struct {
	client      s3API
	bucket      string
	contentType string
	retryWait   time.Duration
	logger      log.Logger
}

// NewS3Backend loads AWS credentials and creates an S3Backend for params.Bucket.
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Backend(client, params.Bucket, params.ContentType, logger), nil
}

func newS3Backend(client s3API, bucket, contentType string, logger log.Logger) *S3Backend {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &S3Backend{
		client:      client,
		bucket:      bucket,
		contentType: contentType,
		retryWait:   5 * time.Second,
		logger:      logger,
	}
}

// Begin creates a multipart upload for key.
func (b *S3Backend) Begin(ctx context.Context, key string) (MultipartUpload, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("validate key: %w", err)
	}

	var uploadID string
	err := retry.Times(numS3Retries).Wait(b.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(b.contentType),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err), ctx.Err() != nil
		}
		uploadID = aws.ToString(out.UploadId)
		return nil, true
	})
	if err != nil {
		return nil, err
	}
	if uploadID == "" {
		return nil, fmt.Errorf("create multipart upload: empty upload ID")
	}

	b.logger.Debugf("Multipart upload created for s3://%s/%s, upload ID: %s", b.bucket, key, uploadID)

	return &s3Upload{backend: b, key: key, uploadID: uploadID}, nil
}

type s3Upload struct {
	backend  *S3Backend
	key      string
	uploadID string
}

func (u *s3Upload) ID() string {
	return u.uploadID
}

// UploadPart does a single attempt; retries belong to the dispatcher.
func (u *s3Upload) UploadPart(ctx context.Context, number int, payload []byte) (string, error) {
	out, err := u.backend.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.backend.bucket),
		Key:           aws.String(u.key),
		UploadId:      aws.String(u.uploadID),
		PartNumber:    aws.Int32(int32(number)),
		ContentLength: aws.Int64(int64(len(payload))),
		Body:          bytes.NewReader(payload),
	})
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", number, err)
	}

	etag := aws.ToString(out.ETag)
	if etag == "" {
		return "", fmt.Errorf("no ETag in response for part %d", number)
	}
	return etag, nil
}

func (u *s3Upload) Complete(ctx context.Context, parts []dispatcher.CompletedPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.Number)),
		})
	}

	return retry.Times(numS3Retries).Wait(u.backend.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := u.backend.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(u.backend.bucket),
			Key:             aws.String(u.key),
			UploadId:        aws.String(u.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) && isPermanentS3Error(apiError) {
				return fmt.Errorf("complete multipart upload: %w", err), true
			}
			return fmt.Errorf("complete multipart upload: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
}

func (u *s3Upload) Abort(ctx context.Context) error {
	return retry.Times(numS3Retries).Wait(u.backend.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := u.backend.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.backend.bucket),
			Key:      aws.String(u.key),
			UploadId: aws.String(u.uploadID),
		})
		if err != nil {
			var noSuchUpload *types.NoSuchUpload
			if errors.As(err, &noSuchUpload) {
				// already gone
				return nil, true
			}
			return fmt.Errorf("abort multipart upload: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
}

func isPermanentS3Error(err smithy.APIError) bool {
	switch err.ErrorCode() {
	case "NoSuchUpload", "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return true
	default:
		return false
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
