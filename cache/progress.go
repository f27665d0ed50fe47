/*
Package cache holds the Redis-backed progress cache.

KEYS:
  <prefix>:gen:<user>:<course>          generation counter (INCR per completion, no TTL)
  <prefix>:set:<user>:<course>:<gen>    hash lessonID -> completedAt, TTL

  Entries are addressed by generation, so bumping the counter makes every
  earlier entry unreachable at once. The counter itself never expires: a
  reset counter could make an old entry reachable again.
*/
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/access-engine/ledger"
	"github.com/warp/access-engine/progress"
)

const (
	DefaultPrefix = "access:progress"
	DefaultTTL    = 10 * time.Minute

	// presentField marks a cached empty set; Redis drops empty hashes.
	presentField = "_"
)

// ProgressCache implements progress.Cache on Redis.
type ProgressCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ progress.Cache = (*ProgressCache)(nil)

func NewProgressCache(client redis.UniversalClient, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ProgressCache{client: client, prefix: DefaultPrefix, ttl: ttl}
}

func (c *ProgressCache) genKey(userID ledger.UserID, courseID ledger.CourseID) string {
	return fmt.Sprintf("%s:gen:%s:%s", c.prefix, userID, courseID)
}

func (c *ProgressCache) setKey(userID ledger.UserID, courseID ledger.CourseID, gen int64) string {
	return fmt.Sprintf("%s:set:%s:%s:%d", c.prefix, userID, courseID, gen)
}

func (c *ProgressCache) Generation(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(userID, courseID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *ProgressCache) Load(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID, gen int64) (progress.Completions, bool, error) {
	data, err := c.client.HGetAll(ctx, c.setKey(userID, courseID, gen)).Result()
	if err != nil {
		return nil, false, err
	}
	if _, ok := data[presentField]; !ok {
		return nil, false, nil
	}
	done := make(progress.Completions, len(data)-1)
	for field, v := range data {
		if field == presentField {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, false, fmt.Errorf("corrupt progress cache entry %s: %w", field, err)
		}
		done[ledger.LessonID(field)] = at
	}
	return done, true, nil
}

func (c *ProgressCache) Save(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID, gen int64, done progress.Completions) error {
	key := c.setKey(userID, courseID, gen)
	values := make([]any, 0, 2*len(done)+2)
	values = append(values, presentField, "1")
	for id, at := range done {
		values = append(values, string(id), at.UTC().Format(time.RFC3339Nano))
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *ProgressCache) Invalidate(ctx context.Context, userID ledger.UserID, courseID ledger.CourseID) error {
	return c.client.Incr(ctx, c.genKey(userID, courseID)).Err()
}
