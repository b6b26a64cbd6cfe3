package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// One broker channel per group, shared by every instance of the deployment.
const channelPrefix = "chat:group:"

const listenerBackoffMin = 250 * time.Millisecond

func channelFor(groupID string) string {
	return channelPrefix + groupID
}

// deliverFunc hands a foreign envelope to the local fan-out path.
type deliverFunc func(ctx context.Context, groupID string, env *Envelope, excludeUserID string)

// Bridge synchronizes broadcasts across instances over redis pub/sub. Every
// local broadcast is published on the group's channel stamped with this
// instance's id; a single listener goroutine relays everything received on
// subscribed channels into local delivery, dropping this instance's own
// echoes. The bridge is strictly best-effort: broker failures are logged and
// swallowed, and local delivery never depends on it.
type Bridge struct {
	rdb        *redis.Client
	instanceID string
	deliver    deliverFunc
	backoffMax time.Duration
	log        *logrus.Entry

	mu     sync.Mutex
	subs   map[string]struct{}
	pubsub *redis.PubSub

	available atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewBridge(rdb *redis.Client, instanceID string, deliver deliverFunc, backoffMax time.Duration, log *logrus.Entry) *Bridge {
	if backoffMax <= 0 {
		backoffMax = 5 * time.Second
	}
	return &Bridge{
		rdb:        rdb,
		instanceID: instanceID,
		deliver:    deliver,
		backoffMax: backoffMax,
		log:        log.WithField("instance_id", instanceID),
		subs:       make(map[string]struct{}),
	}
}

// Start launches the listener goroutine. Call Close to stop it; closing a
// single connection never touches the listener.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go b.run(ctx)
}

// Close stops the listener and closes the broker subscription.
func (b *Bridge) Close() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.mu.Lock()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.mu.Unlock()
	<-b.done
}

// Available reports whether the last broker interaction succeeded. Purely
// observational: callers always attempt local delivery regardless.
func (b *Bridge) Available() bool {
	return b.available.Load()
}

// Subscribe opens the group's channel on this instance if it is not open
// already. A broker error is logged and the group stays recorded, so the
// listener picks the channel up when it reconnects.
func (b *Bridge) Subscribe(ctx context.Context, groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[groupID]; ok {
		return
	}
	b.subs[groupID] = struct{}{}
	if b.pubsub == nil {
		return
	}
	if err := b.pubsub.Subscribe(ctx, channelFor(groupID)); err != nil {
		b.available.Store(false)
		b.log.WithError(err).WithField("group_id", groupID).Warn("broker subscribe failed")
	}
}

// Unsubscribe closes the group's channel once the last local connection for
// the group is gone. Idempotent.
func (b *Bridge) Unsubscribe(ctx context.Context, groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[groupID]; !ok {
		return
	}
	delete(b.subs, groupID)
	if b.pubsub == nil {
		return
	}
	if err := b.pubsub.Unsubscribe(ctx, channelFor(groupID)); err != nil {
		b.log.WithError(err).WithField("group_id", groupID).Warn("broker unsubscribe failed")
	}
}

// Publish sends the envelope on the group's channel, stamped with this
// instance's id so other instances can discard the echo. Best-effort: local
// delivery has already happened by the time this is called, so a broker
// failure only costs cross-instance visibility.
func (b *Bridge) Publish(ctx context.Context, env *Envelope) {
	out := *env
	out.Origin = b.instanceID
	payload, err := json.Marshal(&out)
	if err != nil {
		b.log.WithError(err).Error("marshal envelope")
		return
	}
	if err := b.rdb.Publish(ctx, channelFor(env.GroupID), payload).Err(); err != nil {
		b.available.Store(false)
		b.log.WithError(err).WithField("group_id", env.GroupID).Warn("broker publish failed, delivered locally only")
		return
	}
	b.available.Store(true)
}

// run keeps the listener alive for the life of the bridge, restarting it with
// capped exponential backoff after unexpected termination.
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	backoff := listenerBackoffMin
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		b.available.Store(false)
		b.log.WithError(err).Warnf("fanout listener stopped, restarting in %s", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.backoffMax {
			backoff = b.backoffMax
		}
	}
}

// listen opens a fresh pub/sub connection, resubscribes every group that
// still has local connections, and relays inbound messages until the stream
// breaks.
func (b *Bridge) listen(ctx context.Context) error {
	b.mu.Lock()
	pubsub := b.rdb.Subscribe(ctx)
	b.pubsub = pubsub
	channels := make([]string, 0, len(b.subs))
	for groupID := range b.subs {
		channels = append(channels, channelFor(groupID))
	}
	b.mu.Unlock()
	defer pubsub.Close()

	if len(channels) > 0 {
		if err := pubsub.Subscribe(ctx, channels...); err != nil {
			return err
		}
	}
	b.available.Store(true)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription stream closed")
			}
			b.handleInbound(ctx, []byte(msg.Payload))
		}
	}
}

// handleInbound relays one broker message into local delivery. Envelopes this
// instance published are dropped (local delivery already happened before the
// publish); the broker-only metadata is stripped before fan-out. A malformed
// payload is logged and skipped, never fatal to the listener.
func (b *Bridge) handleInbound(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.WithError(err).Warn("discarding malformed broker message")
		return
	}
	if env.Type == "" || env.GroupID == "" {
		b.log.Warn("discarding broker message without type or group")
		return
	}
	if env.Origin == b.instanceID {
		return
	}

	excludeUserID := env.ExcludeUserID
	env.Origin = ""
	env.ExcludeUserID = ""
	b.deliver(ctx, env.GroupID, &env, excludeUserID)
}
