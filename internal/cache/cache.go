// Package cache persists entity store snapshots in Redis so a restarted
// client can show the last known state before its first fetches land.
//
// Each store of each user lives in one hash, field = entity id and value =
// the entity's JSON, under a TTL refreshed on every save.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/slink/im-client/internal/store"
)

const (
	// KeyPrefix is the Redis key prefix for all cached snapshots.
	KeyPrefix = "slink:cache:"

	// DefaultTTL is how long a snapshot survives without being saved again.
	DefaultTTL = 24 * time.Hour
)

// Key returns the hash key holding one store of one user.
func Key(userID, storeName string) string {
	return KeyPrefix + userID + ":" + storeName
}

// Cache saves and restores store snapshots.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}
	return client, nil
}

// New creates a Cache over rdb and takes ownership of it: Close closes rdb.
// A non-positive ttl means DefaultTTL.
func New(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{rdb: rdb, ttl: ttl, logger: logger.Named("cache")}
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Save replaces the cached snapshot of every store for userID.
func (c *Cache) Save(ctx context.Context, userID string, stores *store.Stores) error {
	pipe := c.rdb.TxPipeline()
	if err := queueSave(ctx, pipe, c.ttl, userID, stores.Users); err != nil {
		return err
	}
	if err := queueSave(ctx, pipe, c.ttl, userID, stores.Channels); err != nil {
		return err
	}
	if err := queueSave(ctx, pipe, c.ttl, userID, stores.Messages); err != nil {
		return err
	}
	if err := queueSave(ctx, pipe, c.ttl, userID, stores.Subscriptions); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: save %s: %w", userID, err)
	}

	c.logger.Debug("snapshot saved",
		zap.String("user", userID),
		zap.Int("users", stores.Users.Len()),
		zap.Int("channels", stores.Channels.Len()),
		zap.Int("messages", stores.Messages.Len()),
		zap.Int("subscriptions", stores.Subscriptions.Len()),
	)
	return nil
}

// Load merges the cached snapshot for userID into stores. Entries that fail
// to decode are skipped. Call it before the first fetch: cached entities are
// upserted and would overwrite fresher ones.
func (c *Cache) Load(ctx context.Context, userID string, stores *store.Stores) error {
	if err := load(ctx, c, userID, stores.Users); err != nil {
		return err
	}
	if err := load(ctx, c, userID, stores.Channels); err != nil {
		return err
	}
	if err := load(ctx, c, userID, stores.Messages); err != nil {
		return err
	}
	return load(ctx, c, userID, stores.Subscriptions)
}

// Clear deletes every cached store of userID.
func (c *Cache) Clear(ctx context.Context, userID string) error {
	keys := []string{
		Key(userID, store.NameUsers),
		Key(userID, store.NameChannels),
		Key(userID, store.NameMessages),
		Key(userID, store.NameSubscriptions),
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func queueSave[T store.Entity](ctx context.Context, pipe redis.Pipeliner, ttl time.Duration, userID string, s *store.Store[T]) error {
	key := Key(userID, s.Name())
	snap := s.Snapshot()

	pipe.Del(ctx, key)
	if snap.Len() == 0 {
		return nil
	}

	fields := make(map[string]interface{}, snap.Len())
	for _, id := range snap.IDs() {
		entity, _ := snap.Get(id)
		data, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("cache: marshal %s %s: %w", s.Name(), id, err)
		}
		fields[id] = data
	}
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	return nil
}

func load[T store.Entity](ctx context.Context, c *Cache, userID string, s *store.Store[T]) error {
	raw, err := c.rdb.HGetAll(ctx, Key(userID, s.Name())).Result()
	if err != nil {
		return fmt.Errorf("cache: load %s: %w", s.Name(), err)
	}
	if len(raw) == 0 {
		return nil
	}

	entities := make(map[string]T, len(raw))
	for id, data := range raw {
		var entity T
		if err := json.Unmarshal([]byte(data), &entity); err != nil || entity.EntityID() != id {
			c.logger.Warn("skipping corrupt cache entry", zap.String("store", s.Name()), zap.String("id", id))
			continue
		}
		entities[id] = entity
	}
	s.UpsertMany(entities)
	return nil
}
