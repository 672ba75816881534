// Package concurrency sizes the execution worker pool for the host it runs
// on, respecting container CPU quotas in Kubernetes.
package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds worker pool sizing parameters.
type Config struct {
	// Workers is the number of execution worker goroutines.
	Workers int

	// BatchSize is how many jobs to pull from the queue at once.
	BatchSize int

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads worker sizing with priority: env vars > auto-detection.
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if workers := getEnvInt("DAEDALUS_WORKERS", 0); workers > 0 {
		config.Workers = workers
		config.Source = ConfigSourceEnvVar
	} else {
		config.Workers = defaultWorkers(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if batch := getEnvInt("DAEDALUS_BATCH_SIZE", 0); batch > 0 {
		config.BatchSize = batch
	} else {
		config.BatchSize = config.Workers * 2
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultWorkers returns sensible defaults based on environment
func defaultWorkers(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes to prevent resource exhaustion
		return max(cpus, 4)
	}
	// More workers for bare metal
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// max returns the maximum of two integers
func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Workers: %d, BatchSize: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.Workers,
		c.BatchSize,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
