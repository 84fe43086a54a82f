// Package storage keeps message bodies in an S3-compatible bucket.
//
// Bodies are content addressed: the object key is derived from the user and
// the BLAKE3 hash of the body (see helpers.NewS3Key), so a redelivered body
// maps to the same object. Transient S3 failures are retried with
// exponential backoff, and a circuit breaker fails calls fast while the
// bucket keeps erroring.
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/circuitbreaker"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/pkg/retry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
	Retry      retry.BackoffConfig
	Breaker    *circuitbreaker.CircuitBreaker
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if debug {
		client.TraceOn(os.Stdout)
	}
	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
		Retry:      retry.DefaultBackoffConfig(),
		Breaker:    newBreaker(),
	}, nil
}

func newBreaker() *circuitbreaker.CircuitBreaker {
	st := circuitbreaker.DefaultSettings("s3")
	st.IsFailure = func(err error) bool {
		return err != nil && !isNotFound(err) && !errors.Is(err, context.Canceled)
	}
	return circuitbreaker.New(st)
}

// ContentHash returns the hex encoded BLAKE3-256 digest of body.
func ContentHash(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// EnsureBucket checks that the configured bucket is reachable.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.BucketName, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.BucketName)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, body []byte) error {
	start := time.Now()
	err := s.Breaker.Do(ctx, func(ctx context.Context) error {
		return retry.WithRetry(ctx, func() error {
			_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(body), int64(len(body)),
				minio.PutObjectOptions{SendContentMd5: true})
			return classifyForRetry(err)
		}, s.Retry)
	})
	observe("PUT", start, err)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", consts.ErrS3UploadFailed, key, err)
	}
	return nil
}

// Get opens key for streaming. Only opening the object is retried; a read
// error after that is returned by the reader. A missing object is reported
// as consts.ErrMessageNotFound.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	var object *minio.Object
	err := s.Breaker.Do(ctx, func(ctx context.Context) error {
		return retry.WithRetry(ctx, func() error {
			obj, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
			if err != nil {
				return classifyForRetry(err)
			}
			// GetObject is lazy, Stat sends the request.
			if _, err := obj.Stat(); err != nil {
				obj.Close()
				return classifyForRetry(err)
			}
			object = obj
			return nil
		}, s.Retry)
	})
	observe("GET", start, err)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", consts.ErrMessageNotFound, key)
		}
		return nil, err
	}
	return object, nil
}

// Delete removes key. Deleting a missing object succeeds.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Breaker.Do(ctx, func(ctx context.Context) error {
		return retry.WithRetry(ctx, func() error {
			return classifyForRetry(s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{}))
		}, s.Retry)
	})
	if err != nil && isNotFound(err) {
		logger.Debug("Storage: object already gone", "key", key)
		err = nil
	}
	observe("DELETE", start, err)
	return err
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = classifyS3Error(err)
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func classifyForRetry(err error) error {
	if err == nil || isRetryable(err) {
		return err
	}
	return retry.Stop(err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == 0:
		// No HTTP response: network level failure.
		return true
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return true
	case resp.Code == "SlowDown" || resp.Code == "RequestTimeout":
		return true
	}
	return false
}

// classifyS3Error returns the status label used for S3 metrics.
func classifyS3Error(err error) string {
	errStr := err.Error()
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case isNotFound(err):
		return "not_found"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}
