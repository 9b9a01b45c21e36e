package objstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// natsBucket is the part of a JetStream object store the backend uses
type natsBucket interface {
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
	PutBytes(ctx context.Context, name string, data []byte) (*jetstream.ObjectInfo, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, opts ...jetstream.ListObjectsOpt) ([]*jetstream.ObjectInfo, error)
}

// NATSOptions configures a NATSStore
type NATSOptions struct {
	URL    string
	Bucket string
}

// NATSStore stores objects in a NATS JetStream object store bucket
type NATSStore struct {
	conn   *nats.Conn
	bucket natsBucket
}

// NewNATSStore connects to NATS and opens, or creates, the bucket
func NewNATSStore(ctx context.Context, opts NATSOptions) (*NATSStore, error) {
	if opts.Bucket == "" {
		return nil, errors.New("nats bucket must be specified")
	}
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, nats.Name("s3kv"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bucket, err := js.ObjectStore(ctx, opts.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		bucket, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      opts.Bucket,
			Description: "s3kv blocks",
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open object store %s: %w", opts.Bucket, err)
	}

	return &NATSStore{conn: conn, bucket: bucket}, nil
}

func newNATSStore(bucket natsBucket) *NATSStore {
	return &NATSStore{bucket: bucket}
}

// Close closes the NATS connection
func (s *NATSStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

func (s *NATSStore) wrap(ctx context.Context, op, key string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: nats %s %s: %w", ErrUnavailable, op, key, err)
}

// Get implements Store
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, s.wrap(ctx, "get", key, err)
	}
	return data, nil
}

// Put implements Store
func (s *NATSStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.bucket.PutBytes(ctx, key, data); err != nil {
		return s.wrap(ctx, "put", key, err)
	}
	return nil
}

// List implements Store. Object stores have no server-side prefix filter, so
// every object is listed and filtered here.
func (s *NATSStore) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := s.bucket.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, s.wrap(ctx, "list", prefix, err)
	}

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		keys = append(keys, info.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Store
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return s.wrap(ctx, "delete", key, err)
	}
	return nil
}
