package tripsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPublishTimeout = 2 * time.Second

type notifyRecord struct {
	Router     string   `json:"router"`
	Recipients []string `json:"recipients"`
}

// RedisNotifier publishes post-commit notify records to a Redis channel so
// every instance's bridge can poke its local Broadcaster. Publish failures
// are reported to the logger and dropped; subscribers recover through their
// next catch-up query.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  Logger
}

// Logger is the minimal logging surface injected into library code.
type Logger interface {
	Printf(format string, args ...any)
}

func NewRedisNotifier(client *redis.Client, channel string, logger Logger) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

func (n *RedisNotifier) Notify(router string, recipients []string) {
	payload, err := json.Marshal(notifyRecord{Router: router, Recipients: recipients})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logf("redis notify publish failed: %v", err)
	}
}

func (n *RedisNotifier) logf(format string, args ...any) {
	if n.logger == nil {
		return
	}
	n.logger.Printf(format, args...)
}

// RedisBridge subscribes to the notify channel and forwards records into the
// local Broadcaster. Run blocks until ctx is cancelled and re-subscribes if
// the pubsub connection drops.
type RedisBridge struct {
	client      *redis.Client
	channel     string
	broadcaster *Broadcaster
	logger      Logger
}

func NewRedisBridge(client *redis.Client, channel string, broadcaster *Broadcaster, logger Logger) *RedisBridge {
	return &RedisBridge{client: client, channel: channel, broadcaster: broadcaster, logger: logger}
}

func (br *RedisBridge) Run(ctx context.Context) {
	for {
		sub := br.client.Subscribe(ctx, br.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var record notifyRecord
				if err := json.Unmarshal([]byte(msg.Payload), &record); err != nil {
					br.logf("redis notify decode failed: %v", err)
					continue
				}
				br.broadcaster.Notify(record.Router, record.Recipients)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		br.logf("redis notify channel closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (br *RedisBridge) logf(format string, args ...any) {
	if br.logger == nil {
		return
	}
	br.logger.Printf(format, args...)
}
