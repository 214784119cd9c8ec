// Package redisstore provides a read-model client factory backed by
// Redis. Every projection namespace becomes a key prefix, so a changed
// read model naturally re-projects into untouched keys.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/northstack/eventflow/readmodel"
)

// Factory creates namespaced Redis stores
type Factory struct {
	client    redis.UniversalClient
	casing    readmodel.CasingPolicy
	separator string
}

// NewFactory creates a factory over an existing Redis client
func NewFactory(client redis.UniversalClient) *Factory {
	return &Factory{
		client:    client,
		casing:    readmodel.KebabCase,
		separator: "-",
	}
}

// NamingConvention implements readmodel.ClientFactory
func (f *Factory) NamingConvention() readmodel.CasingPolicy { return f.casing }

// SuffixSeparator implements readmodel.ClientFactory
func (f *Factory) SuffixSeparator() string { return f.separator }

// Make creates the store for a namespace
func (f *Factory) Make(ctx context.Context, namespace string) (*Store, error) {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{client: f.client, namespace: namespace}, nil
}

// Store is a namespaced view over Redis. Values are stored as JSON.
type Store struct {
	client    redis.UniversalClient
	namespace string
}

// Namespace returns the store's key prefix
func (s *Store) Namespace() string { return s.namespace }

func (s *Store) key(k string) string {
	return s.namespace + ":" + k
}

// Set stores a JSON document under key
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.client.Set(ctx, s.key(key), data, 0).Err()
}

// Get loads the JSON document under key into dest. It reports whether
// the key existed.
func (s *Store) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, dest)
}

// Delete removes the document under key
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Append pushes a JSON document onto the list under key
func (s *Store) Append(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.client.RPush(ctx, s.key(key), data).Err()
}

// List returns every document on the list under key
func (s *Store) List(ctx context.Context, key string) ([]json.RawMessage, error) {
	items, err := s.client.LRange(ctx, s.key(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out, nil
}
