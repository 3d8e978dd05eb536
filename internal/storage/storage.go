package storage

import "context"

// BlobStore is the object storage capability snapshots are written to. The
// wire protocol behind it is not the control plane's concern.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
