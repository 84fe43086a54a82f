package tlsmanager

import (
	"context"
	"errors"
	"io"

	"github.com/migadu/popd/consts"
	"golang.org/x/crypto/acme/autocert"
)

// ObjectStore is the subset of storage.S3Storage the certificate cache uses.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body []byte) error
	Delete(ctx context.Context, key string) error
}

// S3Cache implements autocert.Cache in the message body bucket, so every
// popd instance behind the same name shares one ACME account and
// certificate.
type S3Cache struct {
	store  ObjectStore
	prefix string
}

var _ autocert.Cache = (*S3Cache)(nil)

func NewS3Cache(store ObjectStore) *S3Cache {
	// Body keys end in a 64 character hex digest, which no certificate or
	// account key name is.
	return &S3Cache{store: store, prefix: "autocert/"}
}

func (c *S3Cache) Get(ctx context.Context, name string) ([]byte, error) {
	rc, err := c.store.Get(ctx, c.prefix+name)
	if errors.Is(err, consts.ErrMessageNotFound) {
		return nil, autocert.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (c *S3Cache) Put(ctx context.Context, name string, data []byte) error {
	return c.store.Put(ctx, c.prefix+name, data)
}

func (c *S3Cache) Delete(ctx context.Context, name string) error {
	return c.store.Delete(ctx, c.prefix+name)
}
