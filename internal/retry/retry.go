// Package retry implements the exponential-backoff-with-jitter
// retryable-call wrapper used by the object store client, grounded on
// the teacher's lib/pacer.Call(func() (bool, error) {...}) idiom
// wrapping every S3 request in _examples/rclone-rclone/backend/s3/s3.go
// (e.g. f.pacer.Call around CreateMultipartUpload, UploadPart,
// CompleteMultipartUpload, AbortMultipartUpload).
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures the backoff schedule. Spec.md §7: 3 attempts,
// base 1s, cap 5s, ±25% jitter.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
}

// DefaultPolicy returns the object-store retry schedule named in
// spec.md §7.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Cap: 5 * time.Second, Jitter: 0.25}
}

// Call runs fn, retrying while fn returns (true, err) up to
// MaxAttempts times, sleeping a jittered exponential backoff between
// attempts. The callback mirrors pacer.Call's "shouldRetry" contract:
// it reports whether the error is retryable and the error itself.
func (p Policy) Call(ctx context.Context, fn func(attempt int) (retryable bool, err error)) error {
	var err error
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var retryable bool
		retryable, err = fn(attempt)
		if err == nil {
			return nil
		}
		if !retryable || attempt == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	return err
}

func (p Policy) backoff(attempt int) time.Duration {
	d := p.Base << uint(attempt-1)
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	jitter := 1 + (rand.Float64()*2-1)*p.Jitter
	return time.Duration(float64(d) * jitter)
}
