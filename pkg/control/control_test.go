package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numdrassl/proxy/pkg/plugin"
	"github.com/numdrassl/proxy/pkg/referral"
)

// pipeStream is an in-memory io.ReadWriteCloser pair used to stand in for a
// QUIC stream in tests.
type pipeStream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed bool
	mu     sync.Mutex
}

func newPipeStreamPair() (*pipeStream, *pipeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeStream{r: r1, w: w2}, &pipeStream{r: r2, w: w1}
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.w.Close()
	return p.r.Close()
}

type fakeTransport struct{ closed bool }

func (f *fakeTransport) Close() error { f.closed = true; return nil }

type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	backend *pipeStream
}

func (d *fakeDialer) DialControl(_ context.Context, backendName string) (Transport, Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, nil, errors.New("dial refused")
	}
	proxySide, backendSide := newPipeStreamPair()
	d.backend = backendSide
	return &fakeTransport{}, proxySide, nil
}

func TestControlConnectionHandshakeReachesActive(t *testing.T) {
	dialer := &fakeDialer{}
	signer := referral.NewSigner(bytes.Repeat([]byte{7}, 32))
	mgr := NewManager(dialer, signer, time.Hour, 5*time.Minute, nil, zap.NewNop())
	mgr.AddBackend("survival")

	// Drain the handshake envelope on the fake backend side so the
	// control connection's write doesn't block, then assert it decodes.
	go func() {
		time.Sleep(20 * time.Millisecond)
		dialer.mu.Lock()
		backend := dialer.backend
		dialer.mu.Unlock()
		if backend == nil {
			return
		}
		msg, err := plugin.ReadFrom(backend)
		if err == nil {
			assert.Equal(t, HandshakeChannel, msg.Channel)
		}
	}()

	mgr.probeAll(context.Background())

	require.Eventually(t, func() bool {
		return mgr.State("survival") == Active
	}, time.Second, 5*time.Millisecond)
}

func TestManagerSendReturnsFalseWhenNotActive(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	signer := referral.NewSigner(bytes.Repeat([]byte{7}, 32))
	mgr := NewManager(dialer, signer, time.Hour, 5*time.Minute, nil, zap.NewNop())
	mgr.AddBackend("survival")

	ok := mgr.Send("survival", plugin.Message{Channel: "test", Payload: []byte("x")})
	assert.False(t, ok)
}

func TestManagerSendUnknownBackendReturnsFalse(t *testing.T) {
	signer := referral.NewSigner(bytes.Repeat([]byte{7}, 32))
	mgr := NewManager(&fakeDialer{}, signer, time.Hour, 5*time.Minute, nil, zap.NewNop())
	assert.False(t, mgr.Send("unknown", plugin.Message{}))
}

func TestControlConnectionBackoffCapsAtMax(t *testing.T) {
	c := newControlConnection("b", &fakeDialer{fail: true}, referral.NewSigner(bytes.Repeat([]byte{1}, 32)), 2*time.Second, nil, zap.NewNop())
	for i := 0; i < 10; i++ {
		c.scheduleRetry()
	}
	c.mu.Lock()
	retryAt := c.nextRetry
	c.mu.Unlock()
	assert.True(t, retryAt.Before(time.Now().Add(3*time.Second)))
}
