package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"edgestream/pkg/models"
)

// Storage backends for the packet archive
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	// Listeners
	IngestAddr string
	HTTPAddr   string
	RTMPAddr   string // empty disables RTMP ingest

	// Worker pool
	Workers             int // 0 means one per CPU
	WorkerQueueCapacity int

	// Connection manager
	IdleTimeout         time.Duration
	MaintenanceInterval time.Duration
	PollInterval        time.Duration
	ReadBufferSize      int

	// TLS
	TLSCertFile   string
	TLSKeyFile    string
	AllowInsecure bool

	// Archive storage
	StorageType          string
	StorageDir           string
	GCSProjectID         string
	GCSBucketName        string
	GCSBaseDir           string
	ArchiveMaxBatches    int
	ArchiveFlushInterval time.Duration

	// Subscriber delivery
	DeliveryQueueCapacity int
	DeliveryMaxAge        time.Duration
	DeliveryWriteTimeout  time.Duration

	// Routing
	EdgeNodesFile string
	RouterSeed    int64 // 0 seeds from the clock

	// Media
	EstimatorWindow  int
	FECDataShards    int
	FECParityShards  int
	FECLossThreshold float64 // percent
	StreamID         uint32

	LogLevel string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		IngestAddr:            getEnv("INGEST_ADDR", ":9000"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		RTMPAddr:              getEnv("RTMP_ADDR", ":1935"),
		Workers:               getIntEnv("WORKERS", 0),
		WorkerQueueCapacity:   getIntEnv("WORKER_QUEUE_CAPACITY", 1024),
		IdleTimeout:           getDurationEnv("IDLE_TIMEOUT", 10*time.Minute),
		MaintenanceInterval:   getDurationEnv("MAINTENANCE_INTERVAL", 5*time.Minute),
		PollInterval:          getDurationEnv("POLL_INTERVAL", time.Second),
		ReadBufferSize:        getIntEnv("READ_BUFFER_SIZE", 4096),
		TLSCertFile:           getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:            getEnv("TLS_KEY_FILE", ""),
		AllowInsecure:         getBoolEnv("ALLOW_INSECURE", false),
		StorageType:           getEnv("STORAGE_TYPE", StorageNone),
		StorageDir:            getEnv("STORAGE_DIR", "./data/archive"),
		GCSProjectID:          getEnv("GCS_PROJECT_ID", ""),
		GCSBucketName:         getEnv("GCS_BUCKET_NAME", ""),
		GCSBaseDir:            getEnv("GCS_BASE_DIR", "archive"),
		ArchiveMaxBatches:     getIntEnv("ARCHIVE_MAX_BATCHES", 30),
		ArchiveFlushInterval:  getDurationEnv("ARCHIVE_FLUSH_INTERVAL", 2*time.Second),
		DeliveryQueueCapacity: getIntEnv("DELIVERY_QUEUE_CAPACITY", 1024),
		DeliveryMaxAge:        getDurationEnv("DELIVERY_MAX_AGE", 500*time.Millisecond),
		DeliveryWriteTimeout:  getDurationEnv("DELIVERY_WRITE_TIMEOUT", 2*time.Second),
		EdgeNodesFile:         getEnv("EDGE_NODES_FILE", ""),
		RouterSeed:            int64(getIntEnv("ROUTER_SEED", 0)),
		EstimatorWindow:       getIntEnv("ESTIMATOR_WINDOW", 64),
		FECDataShards:         getIntEnv("FEC_DATA_SHARDS", 10),
		FECParityShards:       getIntEnv("FEC_PARITY_SHARDS", 3),
		FECLossThreshold:      getFloatEnv("FEC_LOSS_THRESHOLD", 2.0),
		StreamID:              uint32(getIntEnv("STREAM_ID", 1)),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	switch {
	case c.IngestAddr == "":
		return fmt.Errorf("%w: ingest address is required", ErrInvalidConfig)
	case c.HTTPAddr == "":
		return fmt.Errorf("%w: http address is required", ErrInvalidConfig)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative", ErrInvalidConfig)
	case c.WorkerQueueCapacity < 2:
		return fmt.Errorf("%w: worker queue capacity must be at least 2", ErrInvalidConfig)
	case c.ReadBufferSize <= 0:
		return fmt.Errorf("%w: read buffer size must be positive", ErrInvalidConfig)
	case c.IdleTimeout <= 0 || c.MaintenanceInterval <= 0 || c.PollInterval <= 0:
		return fmt.Errorf("%w: timeouts and intervals must be positive", ErrInvalidConfig)
	case (c.TLSCertFile == "") != (c.TLSKeyFile == ""):
		return fmt.Errorf("%w: TLS needs both a certificate and a key file", ErrInvalidConfig)
	case c.DeliveryQueueCapacity <= 0 || c.DeliveryMaxAge <= 0 || c.DeliveryWriteTimeout <= 0:
		return fmt.Errorf("%w: delivery queue capacity, max age and write timeout must be positive", ErrInvalidConfig)
	case c.EstimatorWindow <= 0:
		return fmt.Errorf("%w: estimator window must be positive", ErrInvalidConfig)
	case c.FECDataShards <= 0 || c.FECParityShards <= 0 || c.FECDataShards+c.FECParityShards > 256:
		return fmt.Errorf("%w: FEC shards must be positive and total at most 256", ErrInvalidConfig)
	case c.FECLossThreshold < 0:
		return fmt.Errorf("%w: FEC loss threshold must not be negative", ErrInvalidConfig)
	}

	switch c.StorageType {
	case StorageNone:
	case StorageLocal:
		if c.StorageDir == "" {
			return fmt.Errorf("%w: STORAGE_DIR must be set when STORAGE_TYPE=local", ErrInvalidConfig)
		}
	case StorageGCS:
		if c.GCSProjectID == "" || c.GCSBucketName == "" {
			return fmt.Errorf("%w: GCS_PROJECT_ID and GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage type %q", ErrInvalidConfig, c.StorageType)
	}
	if c.StorageType != StorageNone && (c.ArchiveMaxBatches <= 0 || c.ArchiveFlushInterval <= 0) {
		return fmt.Errorf("%w: archive window and flush interval must be positive", ErrInvalidConfig)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// nodesFile is the layout of the edge node seed file
type nodesFile struct {
	Nodes []models.EdgeNode `yaml:"nodes"`
}

// LoadNodes reads the edge node seed file:
//
//	nodes:
//	  - id: edge-1
//	    address: 10.0.0.1:443
//	    region: us-east
//	    capacity: 1000
//	    codecs: [h264, aac]
func LoadNodes(path string) ([]models.EdgeNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read edge nodes file: %w", err)
	}

	var f nodesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse edge nodes file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node %d in %s has no id", ErrInvalidConfig, i, path)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("%w: duplicate node %s in %s", ErrInvalidConfig, n.ID, path)
		}
		seen[n.ID] = true
	}
	return f.Nodes, nil
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
