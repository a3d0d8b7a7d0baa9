package cluster

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loopback is the in-process Messaging Service fallback used when
// cluster.enabled is false, or as the degraded-mode stand-in for a
// configured-but-unreachable broker, per spec.md §4.5 and §7. It delivers
// every publish to local subscribers that opted in with includeSelf, each
// on its own supervised goroutine; there is no network, so IsConnected is
// always true and Publish never fails.
type Loopback struct {
	proxyID string
	log     *zap.Logger

	mu       sync.Mutex
	channels map[string][]subscriber
	nextID   uint64

	// group supervises dispatch goroutines so a handler panic is
	// contained and logged instead of taking down the proxy, mirroring
	// the teacher's panic-recovering connection read loop.
	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// NewLoopback returns a ready Loopback for proxyID.
func NewLoopback(proxyID string, log *zap.Logger) *Loopback {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Loopback{
		proxyID:  proxyID,
		log:      log,
		channels: make(map[string][]subscriber),
		group:    group,
		gctx:     gctx,
		cancel:   cancel,
	}
}

// Publish implements Service. Delivery runs on a supervised goroutine so a
// slow or panicking handler cannot block the publisher.
func (l *Loopback) Publish(_ context.Context, channel string, msg Message) error {
	l.mu.Lock()
	subs := make([]subscriber, len(l.channels[channel]))
	copy(subs, l.channels[channel])
	l.mu.Unlock()

	for _, s := range subs {
		s := s
		if !s.includeSelf {
			// Loopback has no concept of a foreign publisher, so
			// includeSelf=false means "never deliver to this
			// subscriber from this proxy's own Publish calls".
			continue
		}
		if s.filter != "" && s.filter != msg.MessageType() {
			continue
		}
		l.group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("cluster loopback handler panicked", zap.Any("recover", r), zap.String("channel", channel))
				}
			}()
			s.handler(l.proxyID, msg)
			return nil
		})
	}
	return nil
}

// Subscribe implements Service.
func (l *Loopback) Subscribe(channel string, filter TypeFilter, includeSelf bool, handler Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.channels[channel] = append(l.channels[channel], subscriber{
		id: id, filter: filter, includeSelf: includeSelf, handler: handler,
	})
	return func() { l.removeSubscriber(channel, id) }
}

func (l *Loopback) removeSubscriber(channel string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := l.channels[channel]
	for i, s := range subs {
		if s.id == id {
			l.channels[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll implements Service.
func (l *Loopback) UnsubscribeAll(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.channels, channel)
}

// IsConnected implements Service; the loopback has nothing to be
// disconnected from.
func (l *Loopback) IsConnected() bool { return true }

// Close implements Service.
func (l *Loopback) Close() error {
	l.cancel()
	_ = l.group.Wait()
	l.mu.Lock()
	l.channels = make(map[string][]subscriber)
	l.mu.Unlock()
	return nil
}
