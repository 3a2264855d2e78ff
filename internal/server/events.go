package server

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/evergraph/evergraph/internal/types"
)

// Bus publishes committed change events to a redis channel so downstream
// consumers (cache invalidation, notifications) can react without polling
// the import log. Publishing is best-effort: a bus failure never fails an
// import that already committed.
type Bus struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

// NewBus connects a publisher. Returns nil when addr is empty.
func NewBus(addr, password string, db int, channel string, log *zap.Logger) *Bus {
	if addr == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		rdb:     redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		channel: channel,
		log:     log.Named("bus"),
	}
}

// Ping reports bus liveness.
func (b *Bus) Ping(ctx context.Context) error {
	if b == nil {
		return nil
	}
	return b.rdb.Ping(ctx).Err()
}

// Publish emits one change event.
func (b *Bus) Publish(ctx context.Context, ev *types.ChangeEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("marshal event", zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("publish event", zap.String("event", ev.ID), zap.Error(err))
	}
}

// Close releases the connection.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.rdb.Close()
}
