// Command quillmqd runs an MQTT broker from a config file, wiring up every
// listener it declares, optional TLS, Prometheus metrics and $SYS
// publication, and shutting down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillmq/quillmq/broker"
	"github.com/quillmq/quillmq/config"
	"github.com/quillmq/quillmq/hook"
	"github.com/quillmq/quillmq/metrics"
	"github.com/quillmq/quillmq/network"
	"github.com/quillmq/quillmq/pkg/logger"
	"github.com/quillmq/quillmq/protocol"
)

func main() {
	configPath := flag.String("config", "", "path to the broker config file (yaml, toml or json)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on; empty disables it")
	flag.Parse()

	log := logger.NewSlogLogger(slog.LevelInfo, os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	hooks := buildHooks(cfg, log)
	collector := metrics.NewCollector()
	collector.Register(nil)

	b := broker.New(broker.DefaultConfig(), nil, hooks, log, collector)

	acceptors, err := buildAcceptors(cfg, b)
	if err != nil {
		log.Error("failed to build listeners", "err", err)
		os.Exit(1)
	}
	for name, acc := range acceptors {
		if err := acc.Start(); err != nil {
			log.Error("failed to start listener", "listener", name, "err", err)
			os.Exit(1)
		}
		log.Info("listener started", "listener", name, "addr", acc.Addr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys := metrics.NewSysPublisher(collector, b, cfg.SysIntervalDuration())
	go sys.Start(ctx)

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "err", err)
			}
		}()
		log.Info("metrics endpoint started", "addr", *metricsAddr)
	}

	<-ctx.Done()
	log.Info("shutting down")

	sys.Close()
	shutdown(acceptors, b, metricsServer, log)
}

// buildHooks assembles the hook.Manager from config.Auth/config.TopicCheck:
// anonymous-access policy, an optional password file, and an optional ACL.
func buildHooks(cfg *config.Config, log *logger.SlogLogger) *hook.Manager {
	manager := hook.NewManager()

	anon := hook.NewAnonymousAuthHook(cfg.Auth.AllowAnonymous)
	if err := manager.Add(anon); err != nil {
		log.Error("failed to register anonymous-auth hook", "err", err)
	}

	if cfg.Auth.PasswordFile != "" {
		basic := hook.NewBasicAuthHook()
		if err := basic.LoadPasswordFile(cfg.Auth.PasswordFile); err != nil {
			log.Error("failed to load password file", "err", err)
		} else if err := manager.Add(basic); err != nil {
			log.Error("failed to register basic-auth hook", "err", err)
		}
	}

	if cfg.TopicCheck.Enabled && len(cfg.TopicCheck.ACL) > 0 {
		acl := hook.NewACLHook(cfg.TopicCheck.ACL)
		if err := manager.Add(acl); err != nil {
			log.Error("failed to register acl hook", "err", err)
		}
	}

	return manager
}

// buildAcceptors turns each config.Listener entry into a built-but-not-yet-
// Start()ed network.Acceptor: a *network.Listener for "tcp", a
// *network.WSListener for "ws", TLS layered onto either when ssl is set.
func buildAcceptors(cfg *config.Config, b *broker.Broker) (map[string]network.Acceptor, error) {
	protoCfg := protocol.DefaultConfig()
	acceptors := make(map[string]network.Acceptor, len(cfg.Listeners))

	for name, l := range cfg.Listeners {
		var tlsConfig *tls.Config
		if l.SSL {
			built, err := buildTLSConfig(l)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", name, err)
			}
			tlsConfig = built
		}

		poolCfg := network.DefaultPoolConfig()
		poolCfg.MaxConnections = maxConnectionsOrDefault(l.MaxConnections)
		pool, err := network.NewPool(poolCfg)
		if err != nil {
			return nil, fmt.Errorf("listener %s: build pool: %w", name, err)
		}

		var acc network.Acceptor
		switch l.Type {
		case config.ListenerTCP:
			lcfg := network.DefaultListenerConfig(l.Bind)
			lcfg.MaxConnections = maxConnectionsOrDefault(l.MaxConnections)
			lcfg.TLSConfig = tlsConfig
			tcpListener, err := network.NewListener(lcfg, pool)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", name, err)
			}
			acc = tcpListener
		case config.ListenerWS:
			wscfg := network.DefaultWSListenerConfig(l.Bind)
			wscfg.MaxConnections = maxConnectionsOrDefault(l.MaxConnections)
			wscfg.TLSConfig = tlsConfig
			wsListener, err := network.NewWSListener(wscfg, pool)
			if err != nil {
				return nil, fmt.Errorf("listener %s: %w", name, err)
			}
			acc = wsListener
		default:
			return nil, fmt.Errorf("listener %s: unknown type %q", name, l.Type)
		}

		b.Listen(acc, protoCfg)
		acceptors[name] = acc
	}

	return acceptors, nil
}

func maxConnectionsOrDefault(n int) int {
	if n <= 0 {
		return network.DefaultPoolConfig().MaxConnections
	}
	return n
}

func buildTLSConfig(l config.Listener) (*tls.Config, error) {
	tc := network.DefaultTLSConfig()
	tc.CertFile = l.CertFile
	tc.KeyFile = l.KeyFile
	tc.CAFile = l.CAFile
	tc.CAData = l.CAData

	built, err := tc.Build()
	if err != nil {
		return nil, fmt.Errorf("build tls config: %w", err)
	}
	return built, nil
}

func shutdown(acceptors map[string]network.Acceptor, b *broker.Broker, metricsServer *http.Server, log *logger.SlogLogger) {
	for name, acc := range acceptors {
		if err := acc.Close(); err != nil {
			log.Warn("listener close failed", "listener", name, "err", err)
		}
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Warn("metrics server shutdown failed", "err", err)
		}
	}
	if err := b.Close(); err != nil {
		log.Warn("broker close failed", "err", err)
	}
	log.Info("shutdown complete")
}
