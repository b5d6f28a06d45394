package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores the current access token. Storing a zero token clears it.
type TokenCache interface {
	Load(ctx context.Context) (AccessToken, bool, error)
	Store(ctx context.Context, tok AccessToken) error
}

// MemoryTokenCache keeps the token in process memory.
type MemoryTokenCache struct {
	mu  sync.RWMutex
	tok AccessToken
}

func NewMemoryTokenCache() *MemoryTokenCache { return &MemoryTokenCache{} }

func (c *MemoryTokenCache) Load(_ context.Context) (AccessToken, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tok, c.tok.Value != "", nil
}

func (c *MemoryTokenCache) Store(_ context.Context, tok AccessToken) error {
	c.mu.Lock()
	c.tok = tok
	c.mu.Unlock()
	return nil
}

// RedisTokenCache shares the token between service instances; the key expires with the token.
type RedisTokenCache struct {
	rdb *redis.Client
	key string
}

func NewRedisTokenCache(rdb *redis.Client, key string) *RedisTokenCache {
	if key == "" {
		key = "mpesa:token"
	}
	return &RedisTokenCache{rdb: rdb, key: key}
}

func (c *RedisTokenCache) Load(ctx context.Context) (AccessToken, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return AccessToken{}, false, nil
	}
	if err != nil {
		return AccessToken{}, false, err
	}

	var tok AccessToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return AccessToken{}, false, err
	}
	return tok, tok.Value != "", nil
}

func (c *RedisTokenCache) Store(ctx context.Context, tok AccessToken) error {
	if tok.Value == "" {
		return c.rdb.Del(ctx, c.key).Err()
	}

	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return c.rdb.Del(ctx, c.key).Err()
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key, raw, ttl).Err()
}
