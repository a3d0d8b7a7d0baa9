package cluster

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// PlayerCountFunc returns the local player count at call time.
type PlayerCountFunc func() int

// Heartbeat is the Heartbeat Publisher (I): it periodically publishes this
// proxy's liveness and player count so every peer's Registry can track it,
// per spec.md §3 and §4.6.
type Heartbeat struct {
	proxyID   string
	region    string
	host      string
	port      int
	interval  time.Duration
	counter   PlayerCountFunc
	msgs      Service
	log       *zap.Logger
	startedAt time.Time

	shuttingDown atomic.Bool
	stop         chan struct{}
	done         chan struct{}
}

// NewHeartbeat creates a Heartbeat publisher. Call Start to begin the
// periodic publish loop.
func NewHeartbeat(proxyID, region, host string, port int, interval time.Duration, counter PlayerCountFunc, msgs Service, log *zap.Logger) *Heartbeat {
	return &Heartbeat{
		proxyID:   proxyID,
		region:    region,
		host:      host,
		port:      port,
		interval:  interval,
		counter:   counter,
		msgs:      msgs,
		log:       log,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the periodic publish loop in a new goroutine, publishing
// immediately and then every interval.
func (h *Heartbeat) Start() {
	go h.loop()
}

func (h *Heartbeat) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.publishOnce()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.publishOnce()
		}
	}
}

func (h *Heartbeat) publishOnce() {
	msg := HeartbeatMessage{
		ProxyID:      h.proxyID,
		Region:       h.region,
		Host:         h.host,
		Port:         h.port,
		PlayerCount:  h.counter(),
		UptimeMs:     time.Since(h.startedAt).Milliseconds(),
		ShuttingDown: h.shuttingDown.Load(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()
	if err := h.msgs.Publish(ctx, ChannelHeartbeat, msg); err != nil {
		h.log.Warn("failed to publish heartbeat", zap.Error(err))
	}
}

// MarkShuttingDown flags every subsequent heartbeat as shutting_down=true
// and publishes one immediately, so peers learn of the impending departure
// ahead of the registry's stale-eviction timeout.
func (h *Heartbeat) MarkShuttingDown() {
	h.shuttingDown.Store(true)
	h.publishOnce()
}

// Stop halts the publish loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	close(h.stop)
	<-h.done
}
