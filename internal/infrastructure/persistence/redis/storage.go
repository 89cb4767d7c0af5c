// Package redis implements Redis-backed storage for the poller state. The
// whole record lives under a single key, rewritten on every save, which keeps
// the semantics identical to the file backend while letting several machines
// share one recovery point.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
)

// DefaultKey is the Redis key holding the state record.
const DefaultKey = "itolearn:poller-state"

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address in "host:port" format.
	Addr string

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// Key is the key holding the record (default DefaultKey).
	Key string

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Key:          DefaultKey,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Storage persists the poller state under a single Redis key.
type Storage struct {
	client *redis.Client
	key    string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Key == "" {
		config.Key = DefaultKey
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", shared.ErrStorageUnavailable, err)
	}

	return &Storage{client: client, key: config.Key}, nil
}

// Read implements persistence.Storage.
func (s *Storage) Read(ctx context.Context) (*persistence.PollerState, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrStateNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", shared.ErrStorageUnavailable, s.key, err)
	}

	var state persistence.PollerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrCorruptState, s.key, err)
	}
	return &state, nil
}

// Write implements persistence.Storage.
func (s *Storage) Write(ctx context.Context, state *persistence.PollerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", shared.ErrStorageUnavailable, s.key, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Storage) Close() error {
	return s.client.Close()
}
