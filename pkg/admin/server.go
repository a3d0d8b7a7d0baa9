// Package admin implements the proxy's passive operational HTTP surface:
// a liveness probe and a plain-text metrics snapshot, per SPEC_FULL.md
// §4.10. It is disabled unless an operator configures a bind address.
package admin

import (
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Stats is polled on every /metrics request; callers supply a closure over
// the live proxy state rather than this package holding references to
// pkg/session, pkg/cluster and pkg/control directly.
type Stats struct {
	PlayerCount      int
	BackendCount     int
	ClusterPeerCount int
	ShuttingDown     bool
}

// StatsFunc produces a fresh Stats snapshot for each /metrics request.
type StatsFunc func() Stats

// Server is the admin HTTP surface, built on fasthttp the way the teacher
// builds its own API listener in cmd/gate/gate.go's fasthttp dependency
// (there used for the Minekube connect API; here repurposed for passive
// health/metrics).
type Server struct {
	addr      string
	startedAt time.Time
	stats     StatsFunc
	log       *zap.Logger
	srv       *fasthttp.Server
}

// New creates a Server bound to addr. Call Start to begin serving.
func New(addr string, stats StatsFunc, log *zap.Logger) *Server {
	s := &Server{
		addr:      addr,
		startedAt: time.Now(),
		stats:     stats,
		log:       log,
	}
	s.srv = &fasthttp.Server{
		Handler: s.handle,
		Name:    "numdrassl-proxy-admin",
	}
	return s
}

// Start begins serving in a new goroutine. Listener errors (including a
// clean shutdown-triggered close) are logged, not returned, since the
// caller has already moved on to its own shutdown path by the time this
// fires.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(s.addr); err != nil {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		s.handleHealthz(ctx)
	case "/metrics":
		s.handleMetrics(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("ok\n")
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	st := s.stats()
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	fmt.Fprintf(ctx, "numdrassl_players %d\n", st.PlayerCount)
	fmt.Fprintf(ctx, "numdrassl_backends %d\n", st.BackendCount)
	fmt.Fprintf(ctx, "numdrassl_cluster_peers %d\n", st.ClusterPeerCount)
	fmt.Fprintf(ctx, "numdrassl_uptime_seconds %.0f\n", time.Since(s.startedAt).Seconds())
	shuttingDown := 0
	if st.ShuttingDown {
		shuttingDown = 1
	}
	fmt.Fprintf(ctx, "numdrassl_shutting_down %d\n", shuttingDown)
}
