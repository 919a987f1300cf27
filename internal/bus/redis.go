package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"duet/server/internal/logging"
)

// Redis publishes room traffic and control traffic on two channels so an
// operator can watch control messages separately.
type Redis struct {
	rdb         redis.UniversalClient
	roomChannel string
	ctlChannel  string
	logger      logging.Logger
}

func NewRedis(rdb redis.UniversalClient, prefix string, logger logging.Logger) *Redis {
	return &Redis{
		rdb:         rdb,
		roomChannel: prefix + "room-events",
		ctlChannel:  prefix + "control",
		logger:      logger,
	}
}

func (r *Redis) channelFor(env Envelope) string {
	if env.Kind == KindControl {
		return r.ctlChannel
	}
	return r.roomChannel
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channelFor(env), b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.Event, err)
	}
	metricEnvelopes.WithLabelValues("out").Inc()
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	ps := r.rdb.Subscribe(ctx, r.roomChannel, r.ctlChannel)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warnw("dropping malformed envelope", "channel", msg.Channel, "error", err)
					continue
				}
				metricEnvelopes.WithLabelValues("in").Inc()
				h(env)
			}
		}
	}()
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error { return nil }
