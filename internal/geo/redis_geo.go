package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Locator using Redis GEO commands. A small hash per
// driver records when the position was last written.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, p models.Geopoint) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: id})
	pipe.HSet(ctx, MetaKey(id), map[string]interface{}{
		"lat":     strconv.FormatFloat(p.Lat, 'f', 6, 64),
		"lon":     strconv.FormatFloat(p.Lon, 'f', 6, 64),
		"updated": time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("geo upsert %s: %w", id, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, id)
	pipe.Del(ctx, MetaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, p models.Geopoint, radiusM float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search %.0fm: %w", radiusM, err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{ID: g.Name, DistanceM: g.Dist})
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }
