// Package tsredis is a TimeSeriesSink adapter over Redis, grounded on
// etalazz-vsa's persistence.GoRedisEvaler (client construction) and
// persistence.RedisPersister (idempotent apply via a Lua script keyed by a
// marker). Here the marker key is (device_id, channel, timestamp) instead of
// a commit id, matching the duplicate-timestamp-suppression decision in the
// design notes: re-delivery of the same sample is a no-op rather than a
// duplicate data point.
package tsredis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"counterflow/internal/collector/model"
)

// markerTTL guards against unbounded growth of dedup markers; comfortably
// larger than any realistic retry window.
const markerTTL = 24 * time.Hour

// writeScript appends a field to the stream only if the dedup marker for
// (device, channel, timestamp) was not already set, mirroring
// persistence.redisLuaScript's SETNX-then-apply shape.
const writeScript = `
local markerKey = KEYS[1]
local streamKey = KEYS[2]
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('EXPIRE', markerKey, ARGV[1])
  redis.call('XADD', streamKey, '*', 'value', ARGV[2], 'quality', ARGV[3], 'rate', ARGV[4], 'ts', ARGV[5])
  return 1
else
  return 0
end
`

// Evaler abstracts the minimal Redis surface the sink needs, so tests can
// substitute a fake without a live server.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// goRedisEvaler wraps *redis.Client to satisfy Evaler.
type goRedisEvaler struct{ c *redis.Client }

func (g goRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Sink writes Readings to Redis streams, one stream per (device_id, channel).
type Sink struct {
	client Evaler
}

// New constructs a Sink dialing addr (e.g. "127.0.0.1:6379").
func New(addr string) *Sink {
	return &Sink{client: goRedisEvaler{c: redis.NewClient(&redis.Options{Addr: addr})}}
}

// NewWithEvaler constructs a Sink over a caller-supplied Evaler, for tests.
func NewWithEvaler(e Evaler) *Sink {
	return &Sink{client: e}
}

// WriteBatch implements sink.TimeSeriesSink. Each reading is written
// independently so that a partial failure only loses the readings after the
// first error; callers retry the whole batch, and the dedup marker makes
// re-delivery of already-written readings a no-op.
func (s *Sink) WriteBatch(ctx context.Context, readings []model.Reading) error {
	for _, r := range readings {
		if err := s.writeOne(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) writeOne(ctx context.Context, r model.Reading) error {
	marker := markerKey(r)
	stream := streamKey(r)

	value := "null"
	if r.ProcessedValue != nil {
		value = strconv.FormatFloat(*r.ProcessedValue, 'f', -1, 64)
	}
	rate := "null"
	if r.Rate != nil {
		rate = strconv.FormatFloat(*r.Rate, 'f', -1, 64)
	}

	_, err := s.client.Eval(ctx, writeScript,
		[]string{marker, stream},
		int(markerTTL.Seconds()), value, r.Quality.String(), rate, r.Timestamp.UnixNano(),
	)
	if err != nil {
		// Connection and command errors are transient: the caller's retry
		// loop backs off and tries again. Only a response shape we cannot
		// interpret at all would warrant sink.PermanentError.
		return fmt.Errorf("tsredis: eval failed for %s: %w", stream, err)
	}
	return nil
}

func markerKey(r model.Reading) string {
	return fmt.Sprintf("marker:%s:%d:%d", r.DeviceID, r.Channel, r.Timestamp.UnixNano())
}

func streamKey(r model.Reading) string {
	return fmt.Sprintf("ts:%s:%d", r.DeviceID, r.Channel)
}
