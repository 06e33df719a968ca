package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forgerun/forgerun/pkg/broker"
	"github.com/forgerun/forgerun/pkg/cache"
	"github.com/forgerun/forgerun/pkg/config"
	"github.com/forgerun/forgerun/pkg/log"
	"github.com/forgerun/forgerun/pkg/metrics"
	"github.com/forgerun/forgerun/pkg/scheduler"
	"github.com/forgerun/forgerun/pkg/security"
	"github.com/forgerun/forgerun/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge-broker",
	Short: "forge-broker accepts jobs from clients and dispatches them to workers",
}

var cfgPath string

const shutdownGrace = 5 * time.Second
const version = "0.1.0"

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a broker config YAML file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(certCmd)

	serveCmd.Flags().String("listen-addr", "", "address to accept client and worker connections on")
	serveCmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on")
	serveCmd.Flags().String("health-addr", "", "address to serve /healthz on")
	serveCmd.Flags().String("data-dir", "", "directory for the bbolt store and artifact cache")
	serveCmd.Flags().Int64("cache-byte-limit", 0, "maximum total bytes the artifact cache may hold (0 means unlimited)")
	serveCmd.Flags().String("cert-dir", "", "directory holding this broker's own CA bootstrap state")
	serveCmd.Flags().Bool("tls-enabled", true, "require mTLS on every accepted connection")
	serveCmd.Flags().StringSlice("tls-dns-name", nil, "DNS name to include in this broker's issued certificate (repeatable)")
	serveCmd.Flags().StringSlice("tls-ip", nil, "IP address to include in this broker's issued certificate (repeatable)")
	serveCmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "output logs as JSON")

	certCmd.AddCommand(certIssueWorkerCmd, certIssueClientCmd)
	certCmd.PersistentFlags().String("data-dir", "", "directory holding this broker's persisted CA and identity")
	certCmd.PersistentFlags().String("out", "", "directory to write the issued certificate to")
	certIssueWorkerCmd.Flags().StringSlice("dns-name", nil, "DNS name to include in the worker's certificate (repeatable)")
	certIssueWorkerCmd.Flags().StringSlice("ip", nil, "IP address to include in the worker's certificate (repeatable)")
}

func initLogging() {
	level, _ := serveCmd.Flags().GetString("log-level")
	jsonOut, _ := serveCmd.Flags().GetBool("log-json")
	if level == "" {
		level = "info"
	}
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the broker, accepting connections until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadBrokerConfig(cfgPath)
		if err != nil {
			return err
		}
		applyBrokerFlagOverrides(cmd, &cfg)

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
		}

		metrics.SetVersion(version)
		metrics.SetCriticalComponents("store", "cache", "scheduler")
		metrics.RegisterComponent("store", false, "opening")
		metrics.RegisterComponent("cache", false, "opening")
		metrics.RegisterComponent("scheduler", false, "initializing")

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, "open")

		brokerID, err := loadOrCreateBrokerID(cfg.DataDir)
		if err != nil {
			return err
		}

		c, err := cache.New(filepath.Join(cfg.DataDir, "cache"), cfg.CacheByteLimit, store)
		if err != nil {
			return fmt.Errorf("opening artifact cache: %w", err)
		}
		metrics.RegisterComponent("cache", true, "open")

		sched := scheduler.New(c)
		metrics.RegisterComponent("scheduler", true, "running")
		srv := broker.NewServer(cfg, sched, c)

		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
		healthSrv := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux(srv)}
		go func() { _ = metricsSrv.ListenAndServe() }()
		go func() { _ = healthSrv.ListenAndServe() }()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe(brokerID, store) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("broker stopped: %w", err)
			}
		}

		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
		_ = healthSrv.Shutdown(ctx)
		return nil
	},
}

func applyBrokerFlagOverrides(cmd *cobra.Command, cfg *config.BrokerConfig) {
	flags := cmd.Flags()
	if flags.Changed("listen-addr") {
		cfg.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("health-addr") {
		cfg.HealthAddr, _ = flags.GetString("health-addr")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("cache-byte-limit") {
		cfg.CacheByteLimit, _ = flags.GetInt64("cache-byte-limit")
	}
	if flags.Changed("cert-dir") {
		cfg.CertDir, _ = flags.GetString("cert-dir")
	}
	if flags.Changed("tls-enabled") {
		cfg.TLSEnabled, _ = flags.GetBool("tls-enabled")
	}
	if flags.Changed("tls-dns-name") {
		cfg.TLSDNSNames, _ = flags.GetStringSlice("tls-dns-name")
	}
	if flags.Changed("tls-ip") {
		cfg.TLSIPs, _ = flags.GetStringSlice("tls-ip")
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

func healthMux(srv *broker.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.Tick.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	return mux
}

// loadOrCreateBrokerID returns the stable identity this broker uses to
// derive its at-rest encryption key and its own node certificate's
// common name, minting and persisting one under dataDir on first run.
func loadOrCreateBrokerID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "broker-id")
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading broker id %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("persisting broker id %s: %w", path, err)
	}
	return id, nil
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "issue certificates from this broker's cluster CA",
}

var certIssueWorkerCmd = &cobra.Command{
	Use:   "issue-worker <worker-id>",
	Short: "issue a node certificate a forge-worker can dial the broker with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueCert(cmd, "worker", args[0], true)
	},
}

var certIssueClientCmd = &cobra.Command{
	Use:   "issue-client <client-id>",
	Short: "issue a client certificate a forge-client submitter can dial the broker with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueCert(cmd, "client", args[0], false)
	},
}

func issueCert(cmd *cobra.Command, role, id string, node bool) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	out, _ := cmd.Flags().GetString("out")
	if dataDir == "" || out == "" {
		return fmt.Errorf("--data-dir and --out are required")
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	brokerID, err := loadOrCreateBrokerID(dataDir)
	if err != nil {
		return err
	}

	ca, err := broker.BootstrapCA(store, brokerID)
	if err != nil {
		return err
	}

	var cert *tls.Certificate
	if node {
		dnsNames, _ := cmd.Flags().GetStringSlice("dns-name")
		ips, _ := cmd.Flags().GetStringSlice("ip")
		var parsedIPs []net.IP
		for _, raw := range ips {
			if parsed := net.ParseIP(raw); parsed != nil {
				parsedIPs = append(parsedIPs, parsed)
			}
		}
		issued, err := ca.IssueNodeCertificate(id, role, dnsNames, parsedIPs)
		if err != nil {
			return fmt.Errorf("issuing %s certificate: %w", role, err)
		}
		cert = issued
	} else {
		issued, err := ca.IssueClientCertificate(id)
		if err != nil {
			return fmt.Errorf("issuing client certificate: %w", err)
		}
		cert = issued
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	if err := security.SaveCertToFile(cert, out); err != nil {
		return fmt.Errorf("writing certificate to %s: %w", out, err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), out); err != nil {
		return fmt.Errorf("writing cluster CA to %s: %w", out, err)
	}

	fmt.Printf("issued %s certificate for %q, written to %s\n", role, id, out)
	return nil
}
