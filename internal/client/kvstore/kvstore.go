// Package kvstore adapts go-redis into the generic kv_store sink
// contract (put/get/delete/expire/ttl/list) distinct from the
// StateStore-specific redisstore backend.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get/TTL when key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a thin namespace-scoped wrapper over a redis.Client
// implementing the kv_store sink contract.
type Store struct {
	client    *redis.Client
	namespace string
}

// New constructs a Store from an already-configured redis.Client, with
// all keys scoped under namespace.
func New(client *redis.Client, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

func (s *Store) key(k string) string {
	return fmt.Sprintf("%s:%s", s.namespace, k)
}

// Put sets key to value with no expiration.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.key(key), value, 0).Err()
}

// Get retrieves the value stored at key, or ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Expire sets a TTL in seconds on an existing key.
func (s *Store) Expire(ctx context.Context, key string, seconds int) error {
	ok, err := s.client.Expire(ctx, s.key(key), time.Duration(seconds)*time.Second).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// TTL returns the remaining time to live for key, in seconds. A
// negative return with a nil error means the key has no expiration.
func (s *Store) TTL(ctx context.Context, key string) (int, error) {
	d, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, err
	}
	if d == -2 {
		return 0, ErrNotFound
	}
	if d < 0 {
		return -1, nil
	}
	return int(d.Seconds()), nil
}

// List returns every key under this store's namespace matching the
// given glob-style pattern (empty pattern matches everything).
func (s *Store) List(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	keys, err := s.client.Keys(ctx, s.key(pattern)).Result()
	if err != nil {
		return nil, err
	}
	prefix := s.namespace + ":"
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[len(prefix):]
	}
	return out, nil
}

// ReportSink adapts Store to the aggregator's report/content sink
// contract, persisting the final JSON document and per-item files as
// namespaced keys instead of objects in a bucket. Used whenever the
// deployment has a Redis URL configured; image uploads still go to the
// object store.
type ReportSink struct {
	store *Store
}

// NewReportSink constructs a ReportSink over store.
func NewReportSink(store *Store) *ReportSink {
	return &ReportSink{store: store}
}

func (s *ReportSink) PutReport(ctx context.Context, workflowID string, report []byte) error {
	return s.store.Put(ctx, fmt.Sprintf("report:%s", workflowID), report)
}

func (s *ReportSink) PutContentFile(ctx context.Context, workflowID, filename string, body []byte) error {
	return s.store.Put(ctx, fmt.Sprintf("content:%s:%s", workflowID, filename), body)
}
