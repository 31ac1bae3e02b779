package stream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultHistoryRetention bounds how far back aggregation windows can reach.
const DefaultHistoryRetention = 30 * 24 * time.Hour

// HistoryKey names one value series.
type HistoryKey struct {
	TenantID string
	EntityID string
	Column   string
}

func (k HistoryKey) String() string {
	return fmt.Sprintf("fs:history:%s:%s:%s", k.TenantID, k.EntityID, k.Column)
}

// Sample is one observed value. ID makes recording idempotent under redelivery.
type Sample struct {
	ID    string
	At    time.Time
	Value float64
}

// History stores per-entity value series for windowed aggregation.
type History interface {
	Record(ctx context.Context, key HistoryKey, sample Sample) error
	Range(ctx context.Context, key HistoryKey, from, to time.Time) ([]float64, error)
}

// RedisHistory keeps each series in a sorted set scored by unix millis with
// members {id}:{value}.
type RedisHistory struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisHistory(client *redis.Client, retention time.Duration) *RedisHistory {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &RedisHistory{client: client, retention: retention}
}

func (h *RedisHistory) Record(ctx context.Context, key HistoryKey, sample Sample) error {
	name := key.String()
	member := sample.ID + ":" + strconv.FormatFloat(sample.Value, 'f', -1, 64)
	cutoff := sample.At.Add(-h.retention).UnixMilli()

	pipe := h.client.TxPipeline()
	pipe.ZAdd(ctx, name, redis.Z{Score: float64(sample.At.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, name, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, name, h.retention)
	_, err := pipe.Exec(ctx)
	return err
}

func (h *RedisHistory) Range(ctx context.Context, key HistoryKey, from, to time.Time) ([]float64, error) {
	members, err := h.client.ZRangeByScore(ctx, key.String(), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, len(members))
	for _, member := range members {
		idx := strings.LastIndexByte(member, ':')
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseFloat(member[idx+1:], 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values, nil
}

// MemoryHistory is an in-process History.
type MemoryHistory struct {
	mu     sync.Mutex
	series map[string][]Sample
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{series: make(map[string][]Sample)}
}

func (h *MemoryHistory) Record(_ context.Context, key HistoryKey, sample Sample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := key.String()
	for _, existing := range h.series[name] {
		if existing.ID == sample.ID && existing.Value == sample.Value {
			return nil
		}
	}
	samples := append(h.series[name], sample)
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].At.Before(samples[j].At) })
	h.series[name] = samples
	return nil
}

func (h *MemoryHistory) Range(_ context.Context, key HistoryKey, from, to time.Time) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var values []float64
	for _, s := range h.series[key.String()] {
		if s.At.Before(from) || s.At.After(to) {
			continue
		}
		values = append(values, s.Value)
	}
	return values, nil
}
