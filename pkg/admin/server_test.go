package admin

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

func TestHealthzAndMetricsEndpoints(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New("", func() Stats {
		return Stats{PlayerCount: 4, BackendCount: 2, ClusterPeerCount: 1, ShuttingDown: false}
	}, zap.NewNop())

	go func() {
		_ = s.srv.Serve(ln)
	}()
	defer s.Shutdown()

	addr := ln.Addr().String()
	time.Sleep(20 * time.Millisecond)

	statusCode, body, err := fasthttp.Get(nil, "http://"+addr+"/healthz")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, statusCode)
	assert.Equal(t, "ok\n", string(body))

	statusCode, body, err = fasthttp.Get(nil, "http://"+addr+"/metrics")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, statusCode)
	assert.Contains(t, string(body), "numdrassl_players 4")
	assert.Contains(t, string(body), "numdrassl_backends 2")

	statusCode, _, err = fasthttp.Get(nil, "http://"+addr+"/nope")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusNotFound, statusCode)
}
