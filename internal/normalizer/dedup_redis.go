package normalizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupStore is the multi-instance DedupStore: when the gateway runs
// more than one replica behind a shared inbound queue, an in-process LRU
// can't see events another replica already marked, so dedup idempotence
// (spec invariant 3) would only hold per-instance. SET NX EX is atomic, so
// two replicas racing on the same event ID still agree on exactly one
// winner.
type RedisDedupStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDedupStore connects to addr (a redis:// or rediss:// URL, as
// accepted by redis.ParseURL) and returns a store keying entries under
// "serialagent:dedup:".
func NewRedisDedupStore(addr string, ttl time.Duration) (*RedisDedupStore, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisDedupStore{
		client: redis.NewClient(opts),
		ttl:    ttl,
		prefix: "serialagent:dedup:",
	}, nil
}

// SeenOrMark implements DedupStore. On a Redis error it logs and falls
// back to "not seen" — a dedup miss lets a duplicate turn through (the
// turn engine's own downstream idempotence, if any, is the next line of
// defense), which is preferable to blocking every inbound event on a
// transient Redis outage.
func (s *RedisDedupStore) SeenOrMark(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		slog.Warn("dedup: redis unavailable, treating event as unseen", "error", err)
		return false
	}
	// SetNX returns true if the key was newly set (i.e. not seen before).
	return !ok
}

// Close releases the underlying Redis connection pool.
func (s *RedisDedupStore) Close() error {
	return s.client.Close()
}
