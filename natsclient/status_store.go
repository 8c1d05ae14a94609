package natsclient

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/tagstreams/errors"
)

// DefaultStatusBucket holds the last reported status of every node.
const DefaultStatusBucket = "TAGSTREAMS_NODE_STATUS"

// StatusStore is a KV bucket keyed by node name.
type StatusStore struct {
	kv jetstream.KeyValue
}

// NewStatusStore opens bucket, creating it if needed. Only the latest value
// per node is kept, and values expire after ttl when ttl > 0.
func NewStatusStore(ctx context.Context, client *Client, bucket string, ttl time.Duration) (*StatusStore, error) {
	if bucket == "" {
		bucket = DefaultStatusBucket
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "tagstreams node status",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, errors.Wrap(err, "StatusStore", "NewStatusStore", "open bucket")
	}
	return &StatusStore{kv: kv}, nil
}

// Bucket returns the bucket name.
func (s *StatusStore) Bucket() string {
	return s.kv.Bucket()
}

// Put stores value under key.
func (s *StatusStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return errors.WrapTransient(err, "StatusStore", "Put", "put "+key)
	}
	return nil
}

// Get returns the value stored under key.
func (s *StatusStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(ErrKeyNotFound, "StatusStore", "Get", "get "+key)
		}
		return nil, errors.WrapTransient(err, "StatusStore", "Get", "get "+key)
	}
	return entry.Value(), nil
}

// Keys lists the nodes that reported a status.
func (s *StatusStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "StatusStore", "Keys", "list keys")
	}
	return keys, nil
}

// ErrKeyNotFound is returned by Get for nodes that never reported.
var ErrKeyNotFound = stderrors.New("kv: key not found")

// IsKeyNotFound reports whether err means the key does not exist.
func IsKeyNotFound(err error) bool {
	return stderrors.Is(err, ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound)
}
