package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"edgestream/config"
	"edgestream/internal/server"
)

// cfg starts from the environment; flags override it
var cfg = config.Load()

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "edgestream",
	Short: "Low-latency media ingest, packetization and edge routing server",
}

// serveCmd runs the server until SIGINT or SIGTERM
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming server",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", cfg.LogLevel)
		}
		logrus.SetLevel(level)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg)
		if err != nil {
			return err
		}

		runErr := srv.Run(ctx)
		if err := srv.Close(); err != nil {
			logrus.WithError(err).Error("Shutdown incomplete")
		}
		return runErr
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	f := serveCmd.Flags()

	// Listeners
	f.StringVar(&cfg.IngestAddr, "ingest-addr", cfg.IngestAddr, "Raw TCP/TLS ingest listen address")
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "Control-plane HTTP listen address")
	f.StringVar(&cfg.RTMPAddr, "rtmp-addr", cfg.RTMPAddr, "RTMP listen address (empty disables RTMP)")

	// Workers and connections
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker goroutines (0 = one per CPU)")
	f.IntVar(&cfg.WorkerQueueCapacity, "worker-queue-capacity", cfg.WorkerQueueCapacity, "Per-worker task queue capacity")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Evict connections idle longer than this")
	f.DurationVar(&cfg.MaintenanceInterval, "maintenance-interval", cfg.MaintenanceInterval, "Idle eviction and node refresh period")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Socket read deadline")
	f.IntVar(&cfg.ReadBufferSize, "read-buffer-size", cfg.ReadBufferSize, "Bytes read per socket read")

	// TLS
	f.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "Ingest TLS certificate file")
	f.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "Ingest TLS key file")
	f.BoolVar(&cfg.AllowInsecure, "allow-insecure", cfg.AllowInsecure, "Serve plaintext ingest when TLS fails to load")

	// Archive
	f.StringVar(&cfg.StorageType, "storage", cfg.StorageType, "Archive storage (none, local, gcs)")
	f.StringVar(&cfg.StorageDir, "storage-dir", cfg.StorageDir, "Local archive directory")
	f.StringVar(&cfg.GCSProjectID, "gcs-project", cfg.GCSProjectID, "GCS project id")
	f.StringVar(&cfg.GCSBucketName, "gcs-bucket", cfg.GCSBucketName, "GCS bucket")
	f.StringVar(&cfg.GCSBaseDir, "gcs-base-dir", cfg.GCSBaseDir, "GCS object prefix")
	f.IntVar(&cfg.ArchiveMaxBatches, "archive-max-batches", cfg.ArchiveMaxBatches, "Archived batches kept per stream")
	f.DurationVar(&cfg.ArchiveFlushInterval, "archive-flush-interval", cfg.ArchiveFlushInterval, "Archive flush period")

	// Routing and media
	f.StringVar(&cfg.EdgeNodesFile, "edge-nodes", cfg.EdgeNodesFile, "YAML file of edge nodes to register at startup")
	f.Int64Var(&cfg.RouterSeed, "router-seed", cfg.RouterSeed, "Seed for node selection (0 = time based)")
	f.IntVar(&cfg.EstimatorWindow, "estimator-window", cfg.EstimatorWindow, "Network samples retained")
	f.IntVar(&cfg.FECDataShards, "fec-data-shards", cfg.FECDataShards, "Packets per FEC group")
	f.IntVar(&cfg.FECParityShards, "fec-parity-shards", cfg.FECParityShards, "Repair symbols per FEC group")
	f.Float64Var(&cfg.FECLossThreshold, "fec-loss-threshold", cfg.FECLossThreshold, "Smoothed packet loss percent above which FEC is added")
	f.Uint32Var(&cfg.StreamID, "stream-id", cfg.StreamID, "Stream id stamped on outbound packets")

	f.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "Log level (trace, debug, info, warn, error, fatal, panic)")

	rootCmd.AddCommand(serveCmd)
}
