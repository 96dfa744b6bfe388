// Package redisbus bridges a process-local bus.Bus to a Redis pub/sub
// channel so multiple durably processes polling the same Storage can
// see each other's run and step events. It is grounded on the
// teacher's own cross-process SSE fan-out (a Redis-backed channel
// wrapping the same publish/subscribe shape as its in-process bus),
// generalized from SSE messages to bus.Event.
//
// A Bridge only forwards; it never replaces the local bus. Seq is
// reassigned by the receiving process's local bus on delivery, so
// sequence numbers remain a process-local ordering hint exactly as
// bus.Bus already documents — Redis only widens the audience, it does
// not give events a global order.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/durably/durably/bus"
	"github.com/durably/durably/internal/dlog"
)

// Bridge forwards bus.Events between a local bus.Bus and a Redis
// channel shared by every process in the deployment.
type Bridge struct {
	log     *dlog.Logger
	rdb     *goredis.Client
	channel string
	local   *bus.Bus
}

// Option configures New.
type Option func(*Bridge)

// WithLogger attaches a logger used for forwarding warnings.
func WithLogger(l *dlog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithChannel overrides the default Redis channel name.
func WithChannel(channel string) Option {
	return func(b *Bridge) { b.channel = channel }
}

// New dials addr and pings it before returning, so a misconfigured
// Redis fails fast at wiring time rather than on the first publish.
func New(ctx context.Context, local *bus.Bus, addr string, opts ...Option) (*Bridge, error) {
	if local == nil {
		return nil, fmt.Errorf("redisbus: local bus is required")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisbus: ping: %w", err)
	}
	b := &Bridge{log: dlog.Noop(), rdb: rdb, channel: "durably:events", local: local}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type wireEvent struct {
	Kind     bus.Kind  `json:"kind"`
	RunID    string    `json:"runId"`
	JobName  string    `json:"jobName,omitempty"`
	StepName string    `json:"stepName,omitempty"`
	Data     any       `json:"data,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}

// Publish re-publishes e on the shared Redis channel. Callers
// typically do this from an unfiltered local subscription (see Forward).
func (b *Bridge) Publish(ctx context.Context, e bus.Event) error {
	raw, err := json.Marshal(wireEvent{
		Kind: e.Kind, RunID: e.RunID, JobName: e.JobName, StepName: e.StepName,
		Data: e.Data, SentAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Forward subscribes to every local event and republishes each one to
// Redis until ctx is done. It runs in the caller's goroutine; callers
// that want this backgrounded should `go bridge.Forward(ctx)`.
func (b *Bridge) Forward(ctx context.Context) {
	sub := b.local.Subscribe(bus.Filter{})
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := b.Publish(ctx, e); err != nil {
				b.log.Warn("redisbus: publish failed", "error", err, "kind", e.Kind)
			}
		}
	}
}

// StartForwarder subscribes to the Redis channel and republishes every
// message onto the local bus, so this process's SSE subscribers see
// events triggered on other processes. The subscription is confirmed
// before StartForwarder returns.
func (b *Bridge) StartForwarder(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redisbus: subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var we wireEvent
				if err := json.Unmarshal([]byte(m.Payload), &we); err != nil {
					b.log.Warn("redisbus: bad payload", "error", err)
					continue
				}
				b.local.Publish(bus.Event{
					Kind: we.Kind, RunID: we.RunID, JobName: we.JobName,
					StepName: we.StepName, Data: we.Data,
				})
			}
		}
	}()
	return nil
}

// Close releases the underlying Redis client.
func (b *Bridge) Close() error {
	return b.rdb.Close()
}
