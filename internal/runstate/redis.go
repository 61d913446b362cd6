package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

// hashClient is the part of redis.Client the store uses.
type hashClient interface {
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HExists(ctx context.Context, key, field string) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisStore keeps the record in one hash: field = run id, value = JSON Record.
// HSETNX makes Add an atomic check-and-insert across instances.
type RedisStore struct {
	client hashClient
	key    string
	closer func() error
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "connect to redis")
	}

	s := newRedisStore(client, opts.Key)
	s.closer = client.Close
	return s, nil
}

func newRedisStore(client hashClient, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *RedisStore) Load(ctx context.Context) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return State{}, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "redis HGETALL")
	}
	st := NewState()
	for field, raw := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return State{}, apperrors.Wrapf(err, apperrors.CodeStateCorrupt, "decode run %s", field)
		}
		st.Runs[RunID(field)] = rec
		st.observe(rec.NotifiedAt)
	}
	return st, nil
}

func (s *RedisStore) Has(ctx context.Context, id RunID) (bool, error) {
	ok, err := s.client.HExists(ctx, s.key, string(id)).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "redis HEXISTS")
	}
	return ok, nil
}

func (s *RedisStore) Add(ctx context.Context, id RunID, rec Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}
	added, err := s.client.HSetNX(ctx, s.key, string(id), data).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "redis HSETNX")
	}
	return added, nil
}
