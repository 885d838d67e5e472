// stonegated is the StoneGate Core backend binary: it loads a simulated
// device topology, runs the physics engine's background tick loop, and
// serves the WebSocket RPC endpoint described in spec.md.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stonegate-labs/stonegate-core/internal/config"
	"github.com/stonegate-labs/stonegate-core/internal/loader"
	"github.com/stonegate-labs/stonegate-core/internal/physics"
	"github.com/stonegate-labs/stonegate-core/internal/recorder"
	"github.com/stonegate-labs/stonegate-core/internal/registry"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/logging"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/metrics"
	"github.com/stonegate-labs/stonegate-core/internal/telemetry/tracing"
	"github.com/stonegate-labs/stonegate-core/internal/wsserver"
)

var (
	configPath string
	graphDir   string
	graphFile  string
	seed       uint64
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "stonegated",
	Short:         "StoneGate Core: simulated lab instrumentation backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a CoreConfig YAML file")
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load a device graph and serve the WebSocket RPC endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	cmd.Flags().StringVar(&graphDir, "graph-dir", "", "directory containing the device-graph, ComponentSchema.json and PartsLibrary.json")
	cmd.Flags().StringVar(&graphFile, "graph-file", "graph.json", "device-graph document filename within --graph-dir")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "base RNG seed for simulated devices; 0 seeds from the clock")
	return cmd
}

func runServe() error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath, repoRoot)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(nil)
	_, shutdownTracing := tracing.NewSDKProvider("stonegated", config.Environment())
	defer func() { _ = shutdownTracing(context.Background()) }()
	tracer := tracing.New(nil)
	metricsProvider := selectMetricsProvider(cfg)

	engine := physics.New(
		physics.WithLogger(logger),
		physics.WithTracer(tracer),
		physics.WithMetrics(metricsProvider),
	)
	reg := registry.New()

	graph := graphDir
	if graph == "" {
		graph = cfg.GraphPath
	}
	if graph == "" {
		return fmt.Errorf("no device graph configured: set --graph-dir or STONEGATE_GRAPH_PATH")
	}

	ctx := context.Background()

	ld := loader.New(engine, reg, logger, seed, cfg.TickInterval)
	count, err := ld.LoadAll(graph, graphFile)
	if err != nil {
		return fmt.Errorf("loading device graph: %w", err)
	}
	logger.InfoCtx(ctx, "loaded device topology", "devices", count, "graph_dir", graph)

	if err := ld.WatchGraphDir(graph); err != nil {
		logger.WarnCtx(ctx, "graph directory watch unavailable", "error", err)
	}
	defer ld.StopWatch()

	rec := recorder.New(cfg, registrySource{reg}, recorderSink(cfg, logger))

	srv := wsserver.New(cfg, reg, rec,
		wsserver.WithLogger(logger),
		wsserver.WithTracer(tracer),
		wsserver.WithMetrics(metricsProvider),
		wsserver.WithPhysics(engine),
	)

	mux := http.NewServeMux()
	srv.Start(mux, "/ws")
	if promProvider, ok := metricsProvider.(*metrics.PrometheusProvider); ok {
		mux.Handle("/metrics", promProvider.MetricsHandler())
	}

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCtx(ctx, "http server exited", "error", err)
		}
	}()
	logger.InfoCtx(ctx, "stonegated listening", "port", cfg.Port)

	waitForSignal()

	srv.Stop()
	engine.StopBackgroundLoop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func selectMetricsProvider(cfg config.CoreConfig) metrics.Provider {
	if cfg.MetricsBackend == "prometheus" {
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
	return metrics.NewNoopProvider()
}

// registrySource adapts *registry.Registry to recorder.Source.
type registrySource struct{ reg *registry.Registry }

func (s registrySource) Get(id string) (recorder.DeviceReader, bool) { return s.reg.Get(id) }

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
