package profile

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is configuration to start the pipeline and search server.
type Profile struct {
	// Embedding provider configuration (OpenAI-compatible protocol)
	EmbeddingAPIKey     string // Provider API key
	EmbeddingBaseURL    string // Provider base URL (optional, defaults to OpenAI)
	EmbeddingModel      string // Model name, e.g. text-embedding-3-small
	EmbeddingDimensions int    // Vector dimension D, fixed per deployment

	// Catalog configuration
	CMRURL string // Base URL of the CMR catalog
	KMSURL string // Base URL of the KMS vocabulary service

	// Worker configuration
	WorkerCount      int // Number of concurrent queue consumers
	MaxInFlight      int // Maximum jobs processed concurrently across consumers
	JobTimeoutSecs   int // End-to-end processing timeout per job
	ProviderRPS      int // Embedding provider rate limit (requests/second)
	MaxReceiveCount  int // Redeliveries before a message is dead-lettered
	ReceiveBatchSize int // Messages pulled per Receive call

	// Other configurations
	Mode    string // "prod", "dev", or "demo"
	Addr    string // Address the search server binds to
	Port    int    // Port the search server binds to
	Driver  string // Storage driver: "postgres" or "memory"
	DSN     string // Database source name
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.EmbeddingAPIKey = getEnvOrDefault("EARTHDATA_EMBEDDING_API_KEY", p.EmbeddingAPIKey)
	p.EmbeddingBaseURL = getEnvOrDefault("EARTHDATA_EMBEDDING_BASE_URL", p.EmbeddingBaseURL)
	p.EmbeddingModel = getEnvOrDefault("EARTHDATA_EMBEDDING_MODEL", "text-embedding-3-small")
	p.EmbeddingDimensions = getEnvOrDefaultInt("EARTHDATA_EMBEDDING_DIMENSIONS", 1024)

	p.CMRURL = getEnvOrDefault("EARTHDATA_CMR_URL", "https://cmr.earthdata.nasa.gov")
	p.KMSURL = getEnvOrDefault("EARTHDATA_KMS_URL", "https://cmr.earthdata.nasa.gov/kms")

	p.WorkerCount = getEnvOrDefaultInt("EARTHDATA_WORKER_COUNT", 4)
	p.MaxInFlight = getEnvOrDefaultInt("EARTHDATA_MAX_IN_FLIGHT", 8)
	p.JobTimeoutSecs = getEnvOrDefaultInt("EARTHDATA_JOB_TIMEOUT_SECONDS", 120)
	p.ProviderRPS = getEnvOrDefaultInt("EARTHDATA_PROVIDER_RPS", 10)
	p.MaxReceiveCount = getEnvOrDefaultInt("EARTHDATA_MAX_RECEIVE_COUNT", 3)
	p.ReceiveBatchSize = getEnvOrDefaultInt("EARTHDATA_RECEIVE_BATCH_SIZE", 5)
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "postgres" && p.Driver != "memory" {
		return errors.Errorf("unsupported storage driver %q (expected postgres or memory)", p.Driver)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}

	if p.EmbeddingDimensions <= 0 {
		return errors.Errorf("embedding dimensions must be positive, got %d", p.EmbeddingDimensions)
	}
	if p.WorkerCount <= 0 {
		p.WorkerCount = 1
	}
	if p.MaxInFlight < p.WorkerCount {
		p.MaxInFlight = p.WorkerCount
	}
	if p.ReceiveBatchSize <= 0 {
		p.ReceiveBatchSize = 1
	}
	if p.MaxReceiveCount <= 0 {
		p.MaxReceiveCount = 3
	}

	return nil
}
