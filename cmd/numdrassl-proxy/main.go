// Command numdrassl-proxy is the composition root: it loads configuration,
// wires every component into a single Proxy value (REDESIGN FLAGS: no
// global mutable singletons), and runs until a shutdown signal arrives,
// following the same viper-load/zap-init/signal-handle shape as the
// teacher's cmd/gate.Run.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/numdrassl/proxy/pkg/admin"
	"github.com/numdrassl/proxy/pkg/cluster"
	"github.com/numdrassl/proxy/pkg/config"
	"github.com/numdrassl/proxy/pkg/control"
	"github.com/numdrassl/proxy/pkg/hooks"
	"github.com/numdrassl/proxy/pkg/plugin"
	"github.com/numdrassl/proxy/pkg/proxy"
	"github.com/numdrassl/proxy/pkg/referral"
	"github.com/numdrassl/proxy/pkg/session"
	"github.com/numdrassl/proxy/pkg/sessionsvc"
)

const alpn = "numdrassl/1"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "numdrassl-proxy",
		Short: "QUIC game-traffic proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the proxy's YAML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	p, cleanup, err := build(cfg, log)
	if err != nil {
		return fmt.Errorf("build proxy: %w", err)
	}
	defer cleanup()

	color.Green.Println("numdrassl-proxy starting")
	color.Gray.Printf("proxy id: %s | bind: %s:%d | public: %s:%d\n", p.ID, cfg.Bind, cfg.Port, cfg.PublicHost, cfg.PublicPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Listener.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	p.Control.Start(ctx)
	if p.Heartbeat != nil {
		p.Heartbeat.Start()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer func() { signal.Stop(sig); close(sig) }()

	s, ok := <-sig
	if !ok {
		return nil
	}
	log.Info("received shutdown signal", zap.Stringer("signal", s))

	p.BeginShutdown()
	p.Shutdown("numdrassl-proxy is shutting down, please reconnect in a moment")
	time.Sleep(500 * time.Millisecond) // let the farewell frames flush

	return nil
}

// build wires every component together into one Proxy value and returns a
// cleanup func that closes everything in reverse dependency order.
func build(cfg *config.Config, log *zap.Logger) (*proxy.Proxy, func(), error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load tls material: %w", err)
	}

	secret, err := cfg.Secret(log)
	if err != nil {
		return nil, nil, fmt.Errorf("load shared secret: %w", err)
	}
	signer := referral.NewSigner(secret)

	// hookSet wires the extension layer's PreLogin/PostLogin/PreConnect/
	// ServerConnected/Disconnect/PacketMapping/PluginMessage callbacks into
	// the session and control-plane lifecycles; a zero-value Set is valid
	// and makes every hook a no-op, since wiring an actual extension layer
	// is out of scope (spec.md's Non-goals).
	var hookSet hooks.Set
	channels := hooks.NewChannelRegistrar()

	proxyID := cfg.Cluster.ProxyID
	if proxyID == "" {
		proxyID = fmt.Sprintf("proxy-%d", time.Now().UnixNano())
	}

	store := session.NewStore()
	engines := proxy.NewEngineRegistry()

	backends := make([]proxy.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends = append(backends, proxy.Backend{
			Name:      b.Name,
			Host:      b.Host,
			Port:      b.Port,
			IsDefault: b.Default,
			SNIHost:   b.Hostname,
		})
	}

	var (
		msgs       cluster.Service
		reg        *cluster.Registry
		heartbeat  *cluster.Heartbeat
		serverList *cluster.ServerListHandler
		closers    []func() error
	)

	if cfg.Cluster.Enabled {
		broker, err := cluster.NewBroker(context.Background(), proxyID, fmt.Sprintf("%s:%d", cfg.Cluster.Host, cfg.Cluster.Port), cfg.Cluster.Password, cfg.Cluster.Database, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect cluster broker: %w", err)
		}
		if broker.IsConnected() {
			msgs = broker
			closers = append(closers, broker.Close)
		} else {
			_ = broker.Close()
			log.Warn("cluster broker unreachable, falling back to in-process messaging")
			msgs = cluster.NewLoopback(proxyID, log)
		}
	} else {
		msgs = cluster.NewLoopback(proxyID, log)
	}

	serverList = cluster.NewServerListHandler(proxyID, msgs, log)
	closers = append(closers, serverList.Close)

	servers := proxy.NewServerRegistry(backends, serverList)

	if cfg.Cluster.Enabled {
		reg = cluster.NewRegistry(proxyID, 3*heartbeatInterval(cfg), msgs, log)
		reg.OnPeerLeft(serverList.PeerLeft)
		closers = append(closers, reg.Close)

		heartbeat = cluster.NewHeartbeat(proxyID, cfg.Cluster.Region, cfg.PublicHost, cfg.PublicPort, heartbeatInterval(cfg), store.Count, msgs, log)
		closers = append(closers, func() error { heartbeat.Stop(); return nil })
	}

	svc, err := sessionsvc.Dial(cfg.SessionService.Addr, sessionServiceTLS(cfg), time.Duration(cfg.SessionService.TimeoutSec)*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("dial session service: %w", err)
	}
	closers = append(closers, svc.Close)

	dialer := proxy.NewDialer(cert, alpn, time.Duration(cfg.IdleTimeoutSec)*time.Second, signer, servers, log)

	controlMgr := control.NewManager(dialer, signer,
		time.Duration(cfg.ControlReconnect.ProbeIntervalSec)*time.Second,
		time.Duration(cfg.ControlReconnect.MaxBackoffSec)*time.Second,
		func(backendName string, msg plugin.Message) {
			if !channels.Registered(msg.Channel) {
				return
			}
			hookSet.CallPluginMessage(context.Background(), msg.Channel, backendName, msg.Payload)
		}, log)
	for _, b := range backends {
		controlMgr.AddBackend(b.Name)
	}
	closers = append(closers, controlMgr.Close)

	listener := proxy.NewListener(
		fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		cert, alpn,
		time.Duration(cfg.IdleTimeoutSec)*time.Second,
		int64(cfg.MaxConnections),
		store, engines, dialer, signer, svc, servers, hookSet, log,
	)
	closers = append(closers, listener.Close)

	p := &proxy.Proxy{
		ID:          proxyID,
		Store:       store,
		Servers:     servers,
		Engines:     engines,
		Listener:    listener,
		Control:     controlMgr,
		ClusterMsgs: msgs,
		ClusterReg:  reg,
		Heartbeat:   heartbeat,
		ServerList:  serverList,
		PublicHost:  cfg.PublicHost,
		PublicPort:  uint16(cfg.PublicPort),
		Channels:    channels,
	}

	var adminSrv *admin.Server
	if cfg.Admin.Bind != "" {
		adminSrv = admin.New(cfg.Admin.Bind, func() admin.Stats {
			return admin.Stats{
				PlayerCount:      p.PlayerCount(),
				BackendCount:     len(p.AllServers()),
				ClusterPeerCount: peerCount(reg),
				ShuttingDown:     false,
			}
		}, log)
		adminSrv.Start()
		closers = append(closers, adminSrv.Shutdown)
	}

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("cleanup step failed", zap.Error(err))
			}
		}
	}
	return p, cleanup, nil
}

func heartbeatInterval(cfg *config.Config) time.Duration {
	return 10 * time.Second
}

func peerCount(reg *cluster.Registry) int {
	if reg == nil {
		return 0
	}
	return reg.PeerCount()
}

// sessionServiceTLS returns nil when the session service is configured as
// insecure (a trusted internal network), matching sessionsvc.Dial's
// "nil means no transport security" contract.
func sessionServiceTLS(cfg *config.Config) *tls.Config {
	if cfg.SessionService.Insecure {
		return nil
	}
	return &tls.Config{}
}

// newLogger mirrors the teacher's own initLogger: console encoding, capital
// colored levels, ISO8601 timestamps, development config under debug.
func newLogger(debug bool) (*zap.Logger, error) {
	var zcfg zap.Config
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build()
}
