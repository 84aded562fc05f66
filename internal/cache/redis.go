// Package cache is the key→JSON session cache (C3) used for in-flight
// upload sessions, with TTL-bounded leak (spec.md §3 invariant I5).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned when an upload session has expired or
// was never created — the caller should surface this as a validation
// error (spec.md §4.1: "missing session on non-zero chunk -> BadRequest").
var ErrSessionNotFound = errors.New("cache: upload session not found")

// SessionTTL is the fixed 24h lease named in spec.md §4.1 step 1.
const SessionTTL = 24 * time.Hour

// Client wraps a redis.Client.
type Client struct {
	rdb *redis.Client
}

// New dials Redis from a connection URL (redis://...).
func New(url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity, used by the readiness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

func sessionKey(uploadID string) string { return "upload:" + uploadID }

// UploadedPart mirrors an S3 part's identity on the session record.
type UploadedPart struct {
	PartNumber int64  `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// UploadSession is the ephemeral, cache-resident record tracking a
// chunked upload in progress (spec.md §3).
type UploadSession struct {
	S3UploadID       string         `json:"s3UploadId"`
	BucketFilePath   string         `json:"bucketFilePath"`
	TotalChunks      int            `json:"totalChunks"`
	OriginalFileName string         `json:"originalFileName"`
	MimeType         string         `json:"mimeType"`
	UploadedParts    []UploadedPart `json:"uploadedParts"`
}

// SaveSession persists a new or updated UploadSession, refreshing the
// TTL on every write (spec.md §4.1 step 3: "persist (idempotent
// overwrite)").
func (c *Client) SaveSession(ctx context.Context, uploadID string, sess UploadSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("cache: marshal session: %w", err)
	}
	return c.rdb.Set(ctx, sessionKey(uploadID), data, SessionTTL).Err()
}

// GetSession fetches and deserializes an UploadSession, returning
// ErrSessionNotFound if absent.
func (c *Client) GetSession(ctx context.Context, uploadID string) (UploadSession, error) {
	var sess UploadSession
	data, err := c.rdb.Get(ctx, sessionKey(uploadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sess, ErrSessionNotFound
	}
	if err != nil {
		return sess, fmt.Errorf("cache: get session: %w", err)
	}
	if err := json.Unmarshal(data, &sess); err != nil {
		return sess, fmt.Errorf("cache: unmarshal session: %w", err)
	}
	return sess, nil
}

// DeleteSession removes a session on success or abort. Best-effort:
// callers should not fail the request if this errors (spec.md I5).
func (c *Client) DeleteSession(ctx context.Context, uploadID string) error {
	return c.rdb.Del(ctx, sessionKey(uploadID)).Err()
}
