package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over Redis pub/sub so cross-process
// observers (e.g. a live-monitoring view) can follow calls. Events are
// published on one channel per call plus a firehose channel.
//
// A single worker goroutine drains a bounded queue, which keeps the
// per-session publish order and never blocks the session goroutine.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	queue   chan Event
	dropped atomic.Int64
	once    sync.Once
	log     *slog.Logger
}

func NewRedisPublisher(client *redis.Client, prefix string, buffer int) *RedisPublisher {
	if prefix == "" {
		prefix = "voicebridge"
	}
	if buffer <= 0 {
		buffer = 256
	}
	p := &RedisPublisher{
		client: client,
		prefix: prefix,
		queue:  make(chan Event, buffer),
		log:    slog.Default().With(slog.String("component", "redis_publisher")),
	}
	go p.loop()
	return p
}

func (p *RedisPublisher) Publish(ev Event) {
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a full queue.
func (p *RedisPublisher) Dropped() int64 { return p.dropped.Load() }

func (p *RedisPublisher) Close() {
	p.once.Do(func() { close(p.queue) })
}

func (p *RedisPublisher) loop() {
	ctx := context.Background()
	for ev := range p.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		channels := []string{p.prefix + ":events"}
		if ev.CallID != "" {
			channels = append(channels, p.prefix+":call:"+ev.CallID)
		}
		for _, ch := range channels {
			if err := p.client.Publish(ctx, ch, payload).Err(); err != nil {
				p.log.Warn("redis_publish_failed",
					slog.String("channel", ch),
					slog.String("error", err.Error()))
			}
		}
	}
}
