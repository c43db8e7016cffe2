package popularity

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// DefaultRedisKey is the sorted set holding per-city counters.
const DefaultRedisKey = "weather:popularity"

// RedisStats keeps counters in a Redis sorted set so every replica ranks the
// same cities. ZINCRBY is atomic on the server.
type RedisStats struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStats creates RedisStats on key (DefaultRedisKey when empty).
func NewRedisStats(client redis.UniversalClient, key string) *RedisStats {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStats{client: client, key: key}
}

// Increment adds one to city's score.
func (s *RedisStats) Increment(ctx context.Context, city string) error {
	member := validation.NormalizeCity(city)
	if member == "" {
		return nil
	}
	if err := s.client.ZIncrBy(ctx, s.key, 1, member).Err(); err != nil {
		return fmt.Errorf("popularity increment %q: %w", member, err)
	}
	return nil
}

// Count returns city's score, zero if absent.
func (s *RedisStats) Count(ctx context.Context, city string) (int64, error) {
	score, err := s.client.ZScore(ctx, s.key, validation.NormalizeCity(city)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("popularity count: %w", err)
	}
	return int64(score), nil
}

// Top returns up to k cities by score descending.
func (s *RedisStats) Top(ctx context.Context, k int) ([]models.CityCount, error) {
	if k <= 0 {
		return nil, nil
	}
	zs, err := s.client.ZRevRangeWithScores(ctx, s.key, 0, int64(k-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("popularity top: %w", err)
	}
	out := make([]models.CityCount, 0, len(zs))
	for _, z := range zs {
		city, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, models.CityCount{City: city, Count: int64(z.Score)})
	}
	return out, nil
}
