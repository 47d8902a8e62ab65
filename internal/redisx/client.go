package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Deduper claims ids once per service with SETNX. The first caller gets
// true; every later caller within TTL gets false.
type Deduper struct {
	RDB     *redis.Client
	Service string
	TTL     time.Duration
}

func (d *Deduper) key(id string) string { return fmt.Sprintf(KeyDedup, d.Service, id) }

func (d *Deduper) Claim(ctx context.Context, id string) (bool, error) {
	ttl := d.TTL
	if ttl <= 0 {
		ttl = TTLDedup
	}
	return d.RDB.SetNX(ctx, d.key(id), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Seen reports whether id was claimed without claiming it.
func (d *Deduper) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.RDB, d.key(id))
}

// Forget drops a claim so the id can be processed again, used when the
// work behind a claim failed.
func (d *Deduper) Forget(ctx context.Context, id string) error {
	return d.RDB.Del(ctx, d.key(id)).Err()
}
