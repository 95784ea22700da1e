package stationboard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBoard keeps one sorted set per tenant and station, scored by the
// time the visit arrived.
type RedisBoard struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBoard(client redis.UniversalClient) *RedisBoard {
	return &RedisBoard{client: client, prefix: "visitflow:board:"}
}

func (b *RedisBoard) key(tenant, station string) string {
	return b.prefix + queueKey(tenant, station)
}

func (b *RedisBoard) Move(ctx context.Context, tenant string, visitID uuid.UUID, from, to string, at time.Time) error {
	member := visitID.String()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if from != "" {
			pipe.ZRem(ctx, b.key(tenant, from), member)
		}
		if to != "" {
			pipe.ZAdd(ctx, b.key(tenant, to), redis.Z{Score: float64(at.UnixMilli()), Member: member})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("move visit %s on board: %w", visitID, err)
	}
	return nil
}

func (b *RedisBoard) Queue(ctx context.Context, tenant, station string, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	zs, err := b.client.ZRangeWithScores(ctx, b.key(tenant, station), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s queue: %w", station, err)
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		id, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			VisitID: id,
			Station: station,
			Since:   time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return entries, nil
}

// Ping checks the redis connection.
func (b *RedisBoard) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
