package fasttier

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/featurestore/internal/featurecache/domain"
)

// Redis keeps vectors as JSON strings under fs:cache:{tenant}:{set}:{entity}
// with a per-key expiry.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key domain.Key) (*domain.Entry, bool, error) {
	raw, err := r.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry domain.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// unreadable payloads are dropped and recomputed
		_ = r.client.Del(ctx, key.String()).Err()
		return nil, false, nil
	}
	return &entry, true, nil
}

func (r *Redis) Set(ctx context.Context, key domain.Key, entry domain.Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = domain.DefaultTTL
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key.String(), payload, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key domain.Key) error {
	return r.client.Del(ctx, key.String()).Err()
}
