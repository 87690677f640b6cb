package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/assigner"
	"github.com/droverhq/drover/pkg/clock"
	"github.com/droverhq/drover/pkg/cluster"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/health"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/remote"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/supervisor"
	"github.com/droverhq/drover/pkg/term"
	"github.com/droverhq/drover/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the drover agent (assigner, supervisor, coordinator, API)",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runAgent(configPath)
	},
}

func init() {
	agentCmd.Flags().String("config", "drover.yaml", "path to the configuration file")
}

func runAgent(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("agent")

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	clk := clock.New()
	prober := health.NewProber()

	mux := term.NewTmux()
	classifier := term.NewClassifier()
	sshPool := remote.NewPool(cfg.Remote.IdleTimeout.Std())
	defer sshPool.Close()

	asn := assigner.New(assigner.Config{
		TickInterval:      cfg.Assigner.TickInterval.Std(),
		CompletionTick:    cfg.Assigner.CompletionTick.Std(),
		MatchBatchSize:    cfg.Assigner.MatchBatchSize,
		DefaultMaxRetries: cfg.Assigner.DefaultMaxRetry,
		DefaultTimeout:    cfg.Assigner.DefaultTimeout.Std(),
		ExcludedSessions:  cfg.Assigner.ExcludedSessions,
	}, store, mux, classifier, broker, clk)

	// Sessions that survived a restart need their provider markers
	// re-registered before classification can work.
	if err := restoreSessionMarkers(store, classifier, cfg); err != nil {
		logger.Warn().Err(err).Msg("restore session markers failed")
	}

	var pidFile string
	if cfg.Supervisor.PidDirectory != "" {
		pidFile = filepath.Join(cfg.Supervisor.PidDirectory, "drover.pid")
	}
	sup := supervisor.New(supervisor.Config{
		CheckInterval: cfg.Supervisor.CheckInterval.Std(),
		LogDirectory:  cfg.Supervisor.LogDirectory,
		PidFile:       pidFile,
	}, store, broker, prober, clk)
	sup.Load(cfg.ServiceSpecs())

	coord, err := cluster.New(cluster.Config{
		NodeID:              cfg.Coordinator.NodeID,
		Role:                types.NodeRole(cfg.Coordinator.Role),
		Address:             fmt.Sprintf("%s:%d", cfg.Coordinator.Host, cfg.Coordinator.Port),
		PrimaryAddr:         cfg.Coordinator.PrimaryAddr,
		HeartbeatInterval:   cfg.Coordinator.HeartbeatInterval.Std(),
		HealthCheckInterval: cfg.Coordinator.HealthCheckInterval.Std(),
		FailoverThreshold:   cfg.Coordinator.FailoverThreshold.Std(),
		RecoveryThreshold:   cfg.Coordinator.RecoveryThreshold.Std(),
		MaxMissedHeartbeats: cfg.Coordinator.MaxMissedHeartbeats,
		Capabilities:        cfg.Coordinator.Capabilities,
		ShareableResources:  cfg.Coordinator.ShareableResources,
	}, store, broker, prober, clk)
	if err != nil {
		return err
	}

	// Sessions hosted on other nodes are reached through their node's
	// tmux server over SSH.
	registerNodeMuxes(asn, coord, sshPool, cfg)

	reload := func() error {
		fresh, err := config.Load(configPath)
		if err != nil {
			return err
		}
		sup.Load(fresh.ServiceSpecs())
		if err := restoreSessionMarkers(store, classifier, fresh); err != nil {
			return err
		}
		registerNodeMuxes(asn, coord, sshPool, fresh)
		logger.Info().Msg("configuration reloaded")
		return nil
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Coordinator.Host, cfg.Coordinator.Port)
	server := api.New(listenAddr, asn, sup, coord, store, reload)

	if err := sup.Start(); err != nil {
		return err
	}
	coord.Start()
	asn.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info().Str("node", cfg.Coordinator.NodeID).Str("role", cfg.Coordinator.Role).
		Str("addr", listenAddr).Msg("agent started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var interrupted bool
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		interrupted = sig == syscall.SIGINT
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	// Children stop before the coordinator loops; the assigner finishes
	// any in-flight injection before sessions are released.
	sup.Shutdown()
	asn.Stop()
	coord.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}

	if interrupted {
		store.Close()
		broker.Stop()
		os.Exit(130)
	}
	return nil
}

// registerNodeMuxes installs a remote tmux multiplexer for every peer
// node so cross-host sessions route transparently.
func registerNodeMuxes(asn *assigner.Assigner, coord *cluster.Coordinator, pool *remote.Pool, cfg *config.Config) {
	for _, n := range coord.Nodes() {
		if n.ID == cfg.Coordinator.NodeID || n.Address == "" {
			continue
		}
		host := n.Address
		if h, _, err := net.SplitHostPort(n.Address); err == nil {
			host = h
		}
		asn.RegisterNodeMux(n.ID, term.NewRemoteTmux(pool, remote.Target{
			Host:    host,
			User:    cfg.Remote.DefaultUser,
			KeyPath: cfg.Remote.DefaultKeyPath,
		}))
	}
}

// restoreSessionMarkers registers the configured provider markers for
// every persisted session.
func restoreSessionMarkers(store storage.Store, classifier *term.Classifier, cfg *config.Config) error {
	sessions, err := store.ListSessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		markers, ok := cfg.Assigner.Providers[string(s.Provider)]
		if !ok {
			continue
		}
		if err := classifier.Register(s.Name, markers.Idle, markers.Busy, markers.Waiting); err != nil {
			return err
		}
	}
	return nil
}
