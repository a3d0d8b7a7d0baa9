package cluster

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// subscriber is one registered Handler on a channel.
type subscriber struct {
	id          uint64
	filter      TypeFilter
	includeSelf bool
	handler     Handler
}

// channelState tracks the redis pub/sub subscription and fan-out list for
// one channel.
type channelState struct {
	pubsub      *redis.PubSub
	cancel      context.CancelFunc
	subscribers []subscriber
}

// Broker is the Redis-backed Messaging Service implementation, used when
// cluster.enabled is true in config, per spec.md §4.5.
type Broker struct {
	proxyID string
	client  *redis.Client
	log     *zap.Logger
	dec     *decoderRegistry

	mu       sync.Mutex
	channels map[string]*channelState
	nextID   uint64

	connected boolFlag
}

// boolFlag is a tiny RWMutex-guarded bool, used for the connectivity flag so
// IsConnected never contends with the channel map lock.
type boolFlag struct {
	mu sync.RWMutex
	v  bool
}

func (b *boolFlag) set(v bool) { b.mu.Lock(); b.v = v; b.mu.Unlock() }
func (b *boolFlag) get() bool  { b.mu.RLock(); defer b.mu.RUnlock(); return b.v }

// NewBroker dials redis at addr and returns a Broker, probing connectivity
// with a PING so a misconfigured broker is detected at startup rather than
// on the first publish, per spec.md §7's degraded-mode requirement.
func NewBroker(ctx context.Context, proxyID, addr, password string, db int, log *zap.Logger) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	b := &Broker{
		proxyID:  proxyID,
		client:   client,
		log:      log,
		dec:      newDecoderRegistry(),
		channels: make(map[string]*channelState),
	}
	if err := client.Ping(ctx).Err(); err != nil {
		b.connected.set(false)
		b.log.Warn("cluster broker unreachable at startup, running degraded", zap.Error(err))
		return b, nil
	}
	b.connected.set(true)
	return b, nil
}

// Publish implements Service.
func (b *Broker) Publish(ctx context.Context, channel string, msg Message) error {
	data, err := encodeEnvelope(b.proxyID, msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.connected.set(false)
		return err
	}
	b.connected.set(true)
	return nil
}

// Subscribe implements Service.
func (b *Broker) Subscribe(channel string, filter TypeFilter, includeSelf bool, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := subscriber{id: id, filter: filter, includeSelf: includeSelf, handler: handler}

	state, ok := b.channels[channel]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		pubsub := b.client.Subscribe(ctx, channel)
		state = &channelState{pubsub: pubsub, cancel: cancel}
		b.channels[channel] = state
		go b.pump(ctx, channel, pubsub)
	}
	state.subscribers = append(state.subscribers, sub)

	return func() { b.removeSubscriber(channel, id) }
}

func (b *Broker) removeSubscriber(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.channels[channel]
	if !ok {
		return
	}
	for i, s := range state.subscribers {
		if s.id == id {
			state.subscribers = append(state.subscribers[:i], state.subscribers[i+1:]...)
			break
		}
	}
	if len(state.subscribers) == 0 {
		state.cancel()
		_ = state.pubsub.Close()
		delete(b.channels, channel)
	}
}

// UnsubscribeAll implements Service.
func (b *Broker) UnsubscribeAll(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.channels[channel]
	if !ok {
		return
	}
	state.cancel()
	_ = state.pubsub.Close()
	delete(b.channels, channel)
}

// IsConnected implements Service.
func (b *Broker) IsConnected() bool { return b.connected.get() }

// Close implements Service.
func (b *Broker) Close() error {
	b.mu.Lock()
	for ch, state := range b.channels {
		state.cancel()
		_ = state.pubsub.Close()
		delete(b.channels, ch)
	}
	b.mu.Unlock()
	return b.client.Close()
}

// pump reads redis pub/sub messages for one channel and fans them out to
// every registered subscriber whose filter matches, until ctx is cancelled.
func (b *Broker) pump(ctx context.Context, channel string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.connected.set(true)
			sourceProxyID, msg, err := decodeEnvelope(b.dec, []byte(m.Payload))
			if err != nil {
				b.log.Warn("cluster: dropping undecodable message", zap.String("channel", channel), zap.Error(err))
				continue
			}
			b.dispatch(channel, sourceProxyID, msg)
		}
	}
}

func (b *Broker) dispatch(channel, sourceProxyID string, msg Message) {
	b.mu.Lock()
	state, ok := b.channels[channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	subs := make([]subscriber, len(state.subscribers))
	copy(subs, state.subscribers)
	b.mu.Unlock()

	isSelf := sourceProxyID == b.proxyID
	for _, s := range subs {
		if isSelf && !s.includeSelf {
			continue
		}
		if s.filter != "" && s.filter != msg.MessageType() {
			continue
		}
		s.handler(sourceProxyID, msg)
	}
}
