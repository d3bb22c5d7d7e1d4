package mirror

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-pipeline/analytics-service/aggregator"
)

const keyPrefix = "analytics:tally:"

type mirroredTally struct {
	Version    int              `json:"version"`
	Instance   string           `json:"instance"`
	MirroredAt time.Time        `json:"mirroredAt"`
	Tally      aggregator.Tally `json:"tally"`
}

// Mirror copies this instance's tally to Redis under a TTL so any instance
// can serve a cluster-wide view.
type Mirror struct {
	redis    *redis.Client
	instance string
	ttl      time.Duration
	now      func() time.Time
	log      log.FieldLogger
}

func New(rc *redis.Client, instance string, ttl time.Duration, logger log.FieldLogger) *Mirror {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Mirror{
		redis:    rc,
		instance: instance,
		ttl:      ttl,
		now:      time.Now,
		log:      logger.WithFields(log.Fields{"component": "tally-mirror", "instance": instance}),
	}
}

func key(instance string) string {
	return keyPrefix + instance
}

// Store writes t as this instance's mirrored tally.
func (m *Mirror) Store(ctx context.Context, t aggregator.Tally) error {
	data, err := sonic.Marshal(mirroredTally{
		Version:    1,
		Instance:   m.instance,
		MirroredAt: m.now().UTC(),
		Tally:      t,
	})
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, key(m.instance), data, m.ttl).Err()
}

// Run refreshes the mirror from source well within the TTL and removes it
// when ctx is cancelled.
func (m *Mirror) Run(ctx context.Context, source func() aggregator.Tally) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()
	for {
		if err := m.Store(ctx, source()); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Error("failed to store tally mirror")
		}
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := m.redis.Del(cleanup, key(m.instance)).Err(); err != nil {
				m.log.WithError(err).Warn("failed to remove tally mirror")
			}
			cancel()
			return
		case <-ticker.C:
		}
	}
}

// Cluster merges every live mirrored tally and reports which instances
// contributed.
func (m *Mirror) Cluster(ctx context.Context) (aggregator.Tally, []string, error) {
	var keys []string
	iter := m.redis.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return aggregator.Tally{}, nil, err
	}
	if len(keys) == 0 {
		return aggregator.Merge(), nil, nil
	}

	values, err := m.redis.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return aggregator.Tally{}, nil, err
	}
	tallies := make([]aggregator.Tally, 0, len(values))
	instances := make([]string, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var mt mirroredTally
		if err := sonic.UnmarshalString(raw, &mt); err != nil {
			m.log.WithError(err).WithField("key", keys[i]).Warn("skipping unreadable tally mirror")
			continue
		}
		tallies = append(tallies, mt.Tally)
		instances = append(instances, mt.Instance)
	}
	sort.Strings(instances)
	return aggregator.Merge(tallies...), instances, nil
}
