// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Document is a raw key set together with the time it was fetched from the
// identity provider. Replicas age shared documents from FetchedAt, not from
// when they read them.
type Document struct {
	Body      []byte
	FetchedAt time.Time
}

// Store shares key set documents between replicas so a fleet of hops does
// not stampede the identity provider. Only public key material is stored.
type Store interface {
	// Load returns the cached document, or ok=false when absent.
	Load(ctx context.Context, issuer string) (doc Document, ok bool, err error)
	// Save stores the document for ttl.
	Save(ctx context.Context, issuer string, doc Document, ttl time.Duration) error
}

// storedDocument is the Redis encoding of a Document.
type storedDocument struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Keys      json.RawMessage `json:"jwks"`
}

// DefaultKeyPrefix namespaces key set entries in Redis.
const DefaultKeyPrefix = "tokenchain:jwks:"

// RedisStore implements Store on Redis.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore wraps an existing client. An empty prefix uses DefaultKeyPrefix.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// DialRedisStore connects to a single Redis endpoint and verifies it with PING.
func DialRedisStore(ctx context.Context, addr, password, keyPrefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, keyPrefix), nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(issuer string) string {
	sum := sha256.Sum256([]byte(issuer))
	return s.keyPrefix + hex.EncodeToString(sum[:16])
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, issuer string) (Document, bool, error) {
	raw, err := s.client.Get(ctx, s.key(issuer)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, false, nil
		}
		return Document{}, false, fmt.Errorf("failed to load key set: %w", err)
	}
	var stored storedDocument
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Document{}, false, fmt.Errorf("failed to decode shared key set: %w", err)
	}
	if stored.FetchedAt.IsZero() || len(stored.Keys) == 0 {
		return Document{}, false, errors.New("shared key set entry is incomplete")
	}
	return Document{Body: stored.Keys, FetchedAt: stored.FetchedAt}, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, issuer string, doc Document, ttl time.Duration) error {
	raw, err := json.Marshal(storedDocument{FetchedAt: doc.FetchedAt.UTC(), Keys: doc.Body})
	if err != nil {
		return fmt.Errorf("failed to encode key set: %w", err)
	}
	if err := s.client.Set(ctx, s.key(issuer), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save key set: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis is unreachable: %w", err)
	}
	return nil
}
