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

	"github.com/forgerun/forgerun/pkg/config"
	"github.com/forgerun/forgerun/pkg/executor"
	"github.com/forgerun/forgerun/pkg/log"
	"github.com/forgerun/forgerun/pkg/metrics"
	"github.com/forgerun/forgerun/pkg/worker"
)

func main() {
	// Must run before anything else: a re-exec of this same binary used
	// as the namespace-setup shim never reaches the cobra command tree.
	executor.MaybeRunInit()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge-worker",
	Short: "forge-worker connects to a broker and runs the jobs it dispatches",
	RunE:  run,
}

var cfgPath string

const shutdownGrace = 5 * time.Second
const version = "0.1.0"

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a worker config YAML file")
	rootCmd.Flags().String("broker-addr", "", "address of the broker to connect to")
	rootCmd.Flags().Int("slots", 0, "number of jobs this worker runs concurrently")
	rootCmd.Flags().String("data-dir", "", "directory for the worker's local artifact store")
	rootCmd.Flags().Int64("inline-limit", 0, "bytes of stdout/stderr to keep inline before truncating")
	rootCmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on")
	rootCmd.Flags().String("health-addr", "", "address to serve /healthz on")
	rootCmd.Flags().String("cert-dir", "", "directory holding this worker's client certificate and the cluster CA")
	rootCmd.Flags().Bool("tls-enabled", true, "dial the broker with a client certificate")
	rootCmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs as JSON")
}

func initLogging() {
	level, _ := rootCmd.Flags().GetString("log-level")
	jsonOut, _ := rootCmd.Flags().GetBool("log-json")
	if level == "" {
		level = "info"
	}
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkerConfig(cfgPath)
	if err != nil {
		return err
	}
	applyWorkerFlagOverrides(cmd, &cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}

	metrics.SetVersion(version)
	metrics.SetCriticalComponents("broker-conn", "executor", "cache")
	metrics.RegisterComponent("broker-conn", false, "connecting")
	metrics.RegisterComponent("executor", false, "initializing")
	metrics.RegisterComponent("cache", false, "initializing")

	w, err := worker.New(worker.Config{
		BrokerAddr:  cfg.BrokerAddr,
		Slots:       cfg.Slots,
		DataDir:     cfg.DataDir,
		InlineLimit: cfg.InlineLimit,
		TLSEnabled:  cfg.TLSEnabled,
		CertDir:     cfg.CertDir,
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	metrics.RegisterComponent("broker-conn", true, "registered")
	metrics.RegisterComponent("executor", true, "ready")
	metrics.RegisterComponent("cache", true, "ready")

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	healthSrv := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux(w)}
	go func() { _ = metricsSrv.ListenAndServe() }()
	go func() { _ = healthSrv.ListenAndServe() }()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		w.Stop()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker stopped: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = metricsSrv.Shutdown(ctx)
	_ = healthSrv.Shutdown(ctx)
	return nil
}

func applyWorkerFlagOverrides(cmd *cobra.Command, cfg *config.WorkerConfig) {
	flags := cmd.Flags()
	if flags.Changed("broker-addr") {
		cfg.BrokerAddr, _ = flags.GetString("broker-addr")
	}
	if flags.Changed("slots") {
		cfg.Slots, _ = flags.GetInt("slots")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("inline-limit") {
		cfg.InlineLimit, _ = flags.GetInt64("inline-limit")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("health-addr") {
		cfg.HealthAddr, _ = flags.GetString("health-addr")
	}
	if flags.Changed("cert-dir") {
		cfg.CertDir, _ = flags.GetString("cert-dir")
	}
	if flags.Changed("tls-enabled") {
		cfg.TLSEnabled, _ = flags.GetBool("tls-enabled")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func healthMux(w *worker.Worker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", w.Tick.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	return mux
}
