package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lynfabric/fabric/pkg/config"
	"github.com/lynfabric/fabric/pkg/coordinator"
	"github.com/lynfabric/fabric/pkg/dispatch"
	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/executor"
	"github.com/lynfabric/fabric/pkg/group"
	"github.com/lynfabric/fabric/pkg/lifecycle"
	"github.com/lynfabric/fabric/pkg/log"
	"github.com/lynfabric/fabric/pkg/metrics"
	"github.com/lynfabric/fabric/pkg/reconciler"
	"github.com/lynfabric/fabric/pkg/registry"
	"github.com/lynfabric/fabric/pkg/registry/fakeconn"
	"github.com/lynfabric/fabric/pkg/sharding"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fabric coordination process",
	Long: `serve wires the metadata store, server registry, group manager,
sharding catalog, shard lifecycle, executor and event bus into one process
and exposes them over the gRPC transport (pkg/transport) at the config's
protocol address.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (defaults built in if omitted)")
	serveCmd.Flags().String("metrics-address", "127.0.0.1:9090", "Address for the /metrics, /health, /ready and /live HTTP endpoints")
	serveCmd.Flags().String("node-id", "fabric-1", "Raft node id for the optional coordinator")
	serveCmd.Flags().String("raft-address", "", "Bind address for the optional Raft coordinator; empty disables it")
	serveCmd.Flags().String("raft-data-dir", "fabric-raft", "Data directory for the optional Raft coordinator")
}

// components is the singleton chain spec.md's process wiring describes,
// built exactly once and passed by reference to whatever needs it. Nothing
// here is a package-level global.
type components struct {
	store     storage.MetadataStore
	registry  *registry.Registry
	groups    *group.Manager
	catalog   *sharding.Catalog
	lifecycle *lifecycle.Lifecycle
	exec      *executor.Executor
	bus       *events.Bus

	reconciler  *reconciler.Reconciler
	metricsColl *metrics.Collector
	coord       *coordinator.Coordinator
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	c, err := buildComponents(cmd, cfg)
	if err != nil {
		return err
	}
	defer c.store.Close()

	dispatchRegistry := dispatch.New()
	dispatch.RegisterAll(dispatchRegistry, dispatch.Components{
		Store:     c.store,
		Registry:  c.registry,
		Groups:    c.groups,
		Catalog:   c.catalog,
		Lifecycle: c.lifecycle,
		Exec:      c.exec,
		Bus:       c.bus,
	})

	lis, err := net.Listen("tcp", cfg.Protocol.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Protocol.Address, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := transport.Serve(lis, transport.NewServer(dispatchRegistry)); err != nil {
			errCh <- fmt.Errorf("transport error: %w", err)
		}
	}()

	metricsAddr, _ := cmd.Flags().GetString("metrics-address")
	go serveMetricsHTTP(metricsAddr)

	c.reconciler.Start()
	c.metricsColl.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("transport", true, fmt.Sprintf("listening on %s", cfg.Protocol.Address))
	metrics.RegisterComponent("reconciler", true, "running")

	log.Info(fmt.Sprintf("fabric serve listening on %s (metrics on %s)", cfg.Protocol.Address, metricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down")
	case err := <-errCh:
		log.Errorf("serve error", err)
	}

	c.reconciler.Stop()
	c.metricsColl.Stop()
	c.exec.Shutdown(shutdownTimeout)
	if c.coord != nil {
		if err := c.coord.Shutdown(); err != nil {
			log.Errorf("coordinator shutdown", err)
		}
	}

	return nil
}

func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildComponents wires the MetadataStore -> Executor -> EventBus ->
// Registry -> Groups -> Catalog -> Lifecycle -> Reconciler/Collector chain
// exactly once, in that order, since each later stage's constructor takes
// the earlier stages as arguments.
func buildComponents(cmd *cobra.Command, cfg config.Config) (*components, error) {
	store, err := storage.NewBoltStore(cfg.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	exec := executor.New(store, cfg.Executor.NWorkers)
	bus := events.NewBus(exec)

	dialer := fakeconn.NewDialer()
	reg := registry.New(store, dialer, bus)

	groups := group.New(store, reg, bus, exec)
	catalog := sharding.New(store)
	shardLifecycle := lifecycle.New(store, reg, bus, exec, catalog)

	recon := reconciler.New(store, bus, nil)
	metricsColl := metrics.NewCollector(store)

	c := &components{
		store:       store,
		registry:    reg,
		groups:      groups,
		catalog:     catalog,
		lifecycle:   shardLifecycle,
		exec:        exec,
		bus:         bus,
		reconciler:  recon,
		metricsColl: metricsColl,
	}

	raftAddr, _ := cmd.Flags().GetString("raft-address")
	if raftAddr != "" {
		nodeID, _ := cmd.Flags().GetString("node-id")
		dataDir, _ := cmd.Flags().GetString("raft-data-dir")
		coord, err := coordinator.New(coordinator.Config{NodeID: nodeID, BindAddr: raftAddr, DataDir: dataDir}, store)
		if err != nil {
			return nil, fmt.Errorf("start coordinator: %w", err)
		}
		if err := coord.Bootstrap(); err != nil {
			return nil, fmt.Errorf("bootstrap coordinator: %w", err)
		}
		c.coord = coord
	}

	return c, nil
}

func serveMetricsHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server error", err)
	}
}

// shutdownTimeout bounds how long serve waits for in-flight Executor jobs
// to finish before the process exits.
const shutdownTimeout = 30 * time.Second
