// Package objectstore wraps the S3-compatible multipart-capable blob
// store (C2). Its Init/UploadPart/Complete/Abort + GetStream surface
// is adapted directly from the teacher's S3 backend
// (_examples/rclone-rclone/backend/s3/s3.go): CreateMultipartUpload,
// UploadPart, CompleteMultipartUpload and AbortMultipartUpload calls
// wrapped in a retryable pacer.Call-style closure (here,
// internal/retry.Policy.Call), returning plain Go errors instead of
// AWS SDK types to the rest of the core.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/mac-lisowski/reservation-ingest/internal/apperr"
	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/retry"
)

// Client wraps an S3-compatible bucket.
type Client struct {
	api        *s3.S3
	bucketName string
	retry      retry.Policy
}

// New builds a Client from config.S3, supporting a custom endpoint
// (e.g. MinIO) the way the teacher's Fs constructor honours a
// provider-specific endpoint override.
func New(cfg config.S3) (*Client, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")).
		WithS3ForcePathStyle(cfg.ForcePathStyle)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new session: %w", err)
	}
	return &Client{
		api:        s3.New(sess),
		bucketName: cfg.BucketName,
		retry:      retry.DefaultPolicy(),
	}, nil
}

// Part is one uploaded chunk's identity, as tracked on the
// UploadSession (spec.md §3).
type Part struct {
	PartNumber int64
	ETag       string
}

// InitiateMultipart starts a multipart upload and returns its upload
// ID (spec.md §4.1 step 1).
func (c *Client) InitiateMultipart(ctx context.Context, key, contentType string) (uploadID string, err error) {
	err = c.retry.Call(ctx, func(attempt int) (bool, error) {
		out, callErr := c.api.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(c.bucketName),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
		})
		if callErr != nil {
			return shouldRetry(callErr), callErr
		}
		if out.UploadId == nil {
			return false, fmt.Errorf("objectstore: no UploadId in CreateMultipartUpload response")
		}
		uploadID = *out.UploadId
		return false, nil
	})
	if err != nil {
		return "", apperr.Transient(fmt.Errorf("objectstore: initiate multipart: %w", err))
	}
	return uploadID, nil
}

// UploadPart uploads one chunk as the given 1-indexed part number
// (spec.md §4.1 step 3).
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker) (etag string, err error) {
	err = c.retry.Call(ctx, func(attempt int) (bool, error) {
		if _, seekErr := body.Seek(0, io.SeekStart); seekErr != nil {
			return false, seekErr
		}
		out, callErr := c.api.UploadPartWithContext(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(c.bucketName),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int64(partNumber),
			Body:       body,
		})
		if callErr != nil {
			return shouldRetry(callErr), callErr
		}
		if out.ETag == nil {
			return false, fmt.Errorf("objectstore: no ETag in UploadPart response")
		}
		etag = *out.ETag
		return false, nil
	})
	if err != nil {
		return "", apperr.Transient(fmt.Errorf("objectstore: upload part %d: %w", partNumber, err))
	}
	return etag, nil
}

// CompleteMultipart finalizes a multipart upload. Parts are sorted by
// PartNumber before the call, mirroring spec.md §4.1 step 4's "sort
// parts by PartNumber" and the teacher's s3ChunkWriter.Close.
func (c *Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]*s3.CompletedPart, len(sorted))
	for i, p := range sorted {
		completed[i] = &s3.CompletedPart{PartNumber: aws.Int64(p.PartNumber), ETag: aws.String(p.ETag)}
	}

	err := c.retry.Call(ctx, func(attempt int) (bool, error) {
		_, callErr := c.api.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(c.bucketName),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
		})
		return shouldRetry(callErr), callErr
	})
	if err != nil {
		return apperr.Transient(fmt.Errorf("objectstore: complete multipart %q: %w", uploadID, err))
	}
	return nil
}

// AbortMultipart best-effort aborts an in-progress multipart upload
// (spec.md §4.1 edge cases: "implementers should attempt to abort the
// multipart upload on any thrown error in the final step").
func (c *Client) AbortMultipart(ctx context.Context, key, uploadID string) error {
	err := c.retry.Call(ctx, func(attempt int) (bool, error) {
		_, callErr := c.api.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.bucketName),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return shouldRetry(callErr), callErr
	})
	if err != nil {
		return fmt.Errorf("objectstore: abort multipart %q: %w", uploadID, err)
	}
	return nil
}

// GetStream opens a streaming reader over the object at key, used by
// the task processor to download the assembled XLSX artifact (spec.md
// §4.3 step 4) without buffering the whole file through this client.
func (c *Client) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.retry.Call(ctx, func(attempt int) (bool, error) {
		out, callErr := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucketName),
			Key:    aws.String(key),
		})
		if callErr != nil {
			return shouldRetry(callErr), callErr
		}
		body = out.Body
		return false, nil
	})
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("objectstore: get object %q: %w", key, err))
	}
	return body, nil
}

// shouldRetry classifies AWS SDK errors the way the teacher's
// f.shouldRetry does: 5xx and throttling responses are retryable,
// 4xx client errors are not.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	aerr, ok := err.(awserr.RequestFailure)
	if !ok {
		// network-level errors (timeouts, connection reset) are retryable
		return true
	}
	code := aerr.StatusCode()
	return code >= 500 || code == 429
}
