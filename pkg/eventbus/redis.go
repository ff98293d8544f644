package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/metrics"
	"github.com/snowbridge/snowbridge/pkg/types"
)

const (
	streamPrefix = "snowbridge:"
	maxStreamLen = 100000
	readBlock    = 5 * time.Second
	readCount    = 64
)

// RedisBus implements Bus over Redis Streams.
type RedisBus struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewRedisBus connects to Redis and verifies reachability. An unreachable
// bus at startup is fatal.
func NewRedisBus(ctx context.Context, addr string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errdefs.Wrap(errdefs.KindFatal, err, "event bus unreachable at %s", addr)
	}
	return &RedisBus{
		rdb:    rdb,
		logger: log.WithComponent("eventbus"),
	}, nil
}

func streamKey(stream string) string {
	return streamPrefix + stream
}

// Publish appends the event with XADD. Stream length is capped with
// approximate trimming.
func (b *RedisBus) Publish(ctx context.Context, stream string, ev *types.ChangeEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(stream),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"type":      ev.Type,
			"action":    string(ev.Action),
			"sys_id":    ev.SysID,
			"data":      string(data),
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return errdefs.Wrap(errdefs.KindFatal, err, "publish to stream %s failed", stream)
	}
	metrics.EventsPublished.WithLabelValues(stream).Inc()
	return nil
}

// Consume reads the group's pending share of the stream with XREADGROUP and
// acknowledges each event the handler accepts. Handler errors leave the
// event pending for redelivery, which is what gives at-least-once semantics.
func (b *RedisBus) Consume(ctx context.Context, stream, group, consumer string, h Handler) error {
	key := streamKey(stream)

	err := b.rdb.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errdefs.Wrap(errdefs.KindFatal, err, "create group %s on %s failed", group, stream)
	}

	logger := b.logger.With().Str("stream", stream).Str("group", group).Logger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{key, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(err).Msg("read failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				ev := eventFromValues(msg.Values)
				if err := h(ctx, ev); err != nil {
					logger.Warn().Err(err).Str("id", msg.ID).Msg("handler failed, leaving pending")
					continue
				}
				if err := b.rdb.XAck(ctx, key, group, msg.ID).Err(); err != nil {
					logger.Warn().Err(err).Str("id", msg.ID).Msg("ack failed")
				}
			}
		}
	}
}

func eventFromValues(values map[string]any) *types.ChangeEvent {
	str := func(k string) string {
		v, _ := values[k].(string)
		return v
	}
	ev := &types.ChangeEvent{
		Type:   str("type"),
		Action: types.ChangeAction(str("action")),
		SysID:  str("sys_id"),
	}
	if raw := str("data"); raw != "" && raw != "null" {
		var data any
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			ev.Data = data
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("timestamp")); err == nil {
		ev.Timestamp = ts
	}
	return ev
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
