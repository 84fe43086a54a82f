package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/pkg/circuitbreaker"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("hello"))
	b := ContentHash([]byte("hello"))
	c := ContentHash([]byte("hello!"))

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// BLAKE3 of the empty input.
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", ContentHash(nil))
}

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("get: %w", context.Canceled), "canceled"},
		{minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"}, "not_found"},
		{minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied", Message: "AccessDenied"}, "access_denied"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("boom"), "error"},
		{circuitbreaker.ErrOpen, "circuit_open"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyS3Error(tt.err), tt.err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("connection reset by peer")))
	assert.True(t, isRetryable(minio.ErrorResponse{StatusCode: 503, Code: "ServiceUnavailable"}))
	assert.True(t, isRetryable(minio.ErrorResponse{StatusCode: 400, Code: "SlowDown"}))
	assert.False(t, isRetryable(minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"}))
	assert.False(t, isRetryable(minio.ErrorResponse{StatusCode: 403, Code: "AccessDenied"}))
	assert.False(t, isRetryable(context.Canceled))
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	cb := newBreaker()
	ctx := context.Background()
	notFound := minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"}

	for i := 0; i < 10; i++ {
		cb.Do(ctx, func(context.Context) error { return notFound })
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	for i := 0; i < 5; i++ {
		cb.Do(ctx, func(context.Context) error { return errors.New("connection refused") })
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())
}

// TestRoundTrip runs against a real S3 endpoint when POPD_TEST_S3_ENDPOINT is
// set, e.g. a local MinIO.
func TestRoundTrip(t *testing.T) {
	endpoint := os.Getenv("POPD_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("POPD_TEST_S3_ENDPOINT not set")
	}
	s3, err := New(endpoint, os.Getenv("POPD_TEST_S3_ACCESS_KEY"), os.Getenv("POPD_TEST_S3_SECRET_KEY"),
		os.Getenv("POPD_TEST_S3_BUCKET"), false, false)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s3.EnsureBucket(ctx))

	body := []byte("Subject: test\r\n\r\nhello\r\n")
	key := "test/" + ContentHash(body)
	require.NoError(t, s3.Put(ctx, key, body))

	ok, err := s3.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s3.Get(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, got)

	require.NoError(t, s3.Delete(ctx, key))
	require.NoError(t, s3.Delete(ctx, key))

	_, err = s3.Get(ctx, key)
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)
}
