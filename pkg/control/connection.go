package control

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/errs"
	"github.com/numdrassl/proxy/pkg/plugin"
	"github.com/numdrassl/proxy/pkg/referral"
)

// ControlConnection is one backend's persistent control-plane QUIC stream,
// per spec.md §4.8.
type ControlConnection struct {
	backendName string
	dialer      Dialer
	signer      *referral.Signer
	onMsg       PluginMessageFunc
	log         *zap.Logger
	maxBackoff  time.Duration

	mu         sync.Mutex
	st         ConnState
	transport  Transport
	stream     Stream
	failures   int
	nextRetry  time.Time
	cancelRead context.CancelFunc
}

func newControlConnection(backendName string, dialer Dialer, signer *referral.Signer, maxBackoff time.Duration, onMsg PluginMessageFunc, log *zap.Logger) *ControlConnection {
	return &ControlConnection{
		backendName: backendName,
		dialer:      dialer,
		signer:      signer,
		onMsg:       onMsg,
		log:         log.With(zap.String("backend", backendName)),
		maxBackoff:  maxBackoff,
		st:          Disconnected,
	}
}

func (c *ControlConnection) state() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// readyForRetry reports whether enough time has passed since the last
// failure to attempt another connect, applying exponential backoff capped
// at maxBackoff. The maxBackoff argument is accepted for call-site
// symmetry with Manager's configured cap but the connection's own value
// (set at construction) is authoritative.
func (c *ControlConnection) readyForRetry(_ time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == Connecting || c.st == Handshaking {
		return false
	}
	return !time.Now().Before(c.nextRetry)
}

func (c *ControlConnection) setState(s ConnState) {
	c.mu.Lock()
	c.st = s
	c.mu.Unlock()
}

func (c *ControlConnection) scheduleRetry() {
	c.mu.Lock()
	c.failures++
	backoff := time.Duration(1<<uint(min(c.failures, 6))) * time.Second
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	c.st = Disconnected
	c.mu.Unlock()
	c.nextRetryAt(jitter(backoff))
}

func (c *ControlConnection) nextRetryAt(d time.Duration) {
	c.mu.Lock()
	c.nextRetry = time.Now().Add(d)
	c.mu.Unlock()
}

func (c *ControlConnection) resetFailures() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// connect dials the backend, performs the handshake, and on success starts
// the read loop. Any failure along the way tears down what was opened and
// schedules a backed-off retry.
func (c *ControlConnection) connect(ctx context.Context) {
	c.setState(Connecting)

	transport, stream, err := c.dialer.DialControl(ctx, c.backendName)
	if err != nil {
		c.log.Warn("control connect failed", zap.Error(err))
		c.scheduleRetry()
		return
	}

	c.setState(Handshaking)
	handshakeBlob := c.signer.SignControl(c.backendName, time.Now())
	handshakeMsg := plugin.Message{Channel: HandshakeChannel, Payload: handshakeBlob}
	if err := plugin.WriteTo(stream, handshakeMsg); err != nil {
		c.log.Warn("control handshake write failed", zap.Error(err))
		_ = stream.Close()
		_ = transport.Close()
		c.scheduleRetry()
		return
	}

	c.mu.Lock()
	c.transport = transport
	c.stream = stream
	c.st = Active
	readCtx, cancel := context.WithCancel(context.Background())
	c.cancelRead = cancel
	c.mu.Unlock()

	c.resetFailures()
	c.log.Info("control connection active")
	go c.readLoop(readCtx, stream)
}

// readLoop consumes plugin-message envelopes from the backend until the
// stream errors or is cancelled, recovering from panics exactly as the
// teacher's connection read loop does.
func (c *ControlConnection) readLoop(ctx context.Context, stream Stream) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("control read loop panicked", zap.Any("recover", r))
		}
		c.onDisconnect()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := plugin.ReadFrom(stream)
		if err != nil {
			c.log.Debug("control stream closed", zap.Error(err))
			return
		}
		if msg.Channel == HandshakeChannel {
			continue
		}
		if c.onMsg != nil {
			c.onMsg(c.backendName, msg)
		}
	}
}

func (c *ControlConnection) onDisconnect() {
	c.mu.Lock()
	if c.st == Disconnected {
		c.mu.Unlock()
		return
	}
	transport, stream := c.transport, c.stream
	c.transport, c.stream = nil, nil
	c.st = Disconnected
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if transport != nil {
		_ = transport.Close()
	}
	c.log.Info("control connection dropped, will retry")
}

// send writes msg to the stream if the connection is ACTIVE. It never
// throws: a non-active connection simply returns false, per spec.md
// §4.8's fire-and-forget contract for player-independent plugin messages.
func (c *ControlConnection) send(msg plugin.Message) bool {
	c.mu.Lock()
	if c.st != Active || c.stream == nil {
		c.mu.Unlock()
		return false
	}
	stream := c.stream
	c.mu.Unlock()

	if err := plugin.WriteTo(stream, msg); err != nil {
		c.log.Warn("control send failed", zap.Error(err), zap.NamedError("class", errs.ErrNetworkTransient))
		c.onDisconnect()
		return false
	}
	return true
}

func (c *ControlConnection) close() {
	c.mu.Lock()
	if c.cancelRead != nil {
		c.cancelRead()
	}
	transport, stream := c.transport, c.stream
	c.transport, c.stream = nil, nil
	c.st = Disconnected
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if transport != nil {
		_ = transport.Close()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
