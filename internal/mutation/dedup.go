package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper remembers seen event ids in Redis so every intake instance
// shares one dedup horizon. First writer wins; the TTL bounds memory and
// defines how old an upstream replay must be to slip through.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, id string) (bool, error) {
	created, err := utils.MarkOnce(ctx, d.rdb, "intake:seen:"+id, d.ttl)
	if err != nil {
		return false, err
	}
	return !created, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, "intake:seen:"+id).Err()
}

// MemoryDeduper is a bounded recently-seen set for tests and single-node
// use. When full, the oldest ids fall out in insertion order.
type MemoryDeduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

func NewMemoryDeduper(max int) *MemoryDeduper {
	if max <= 0 {
		max = 100000
	}
	return &MemoryDeduper{seen: make(map[string]struct{}), max: max}
}

func (d *MemoryDeduper) MarkSeen(ctx context.Context, id string) (bool, error) {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true, nil
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false, nil
}

func (d *MemoryDeduper) Forget(ctx context.Context, id string) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; !ok {
		return nil
	}
	delete(d.seen, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}
