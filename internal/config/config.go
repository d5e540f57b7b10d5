// Package config loads node and broker configuration from an optional
// YAML file with environment-variable overrides, grounded in the
// teacher's internal/config/config.go. Unlike the teacher's interactive
// CLI (which lets positional arguments override YAML), blocksync is a
// headless service, so environment variables play that override role
// instead (SPEC_FULL.md §6.4).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// NodeConfig configures a single sync node process. Field names mirror
// the environment variables named in spec.md §6.4.
type NodeConfig struct {
	NodeID             string        `yaml:"nodeId"`
	BrokerAddr         string        `yaml:"brokerAddr"`
	TickInterval       time.Duration `yaml:"tickInterval"`
	MaxTickInterval    time.Duration `yaml:"maxTickInterval"`
	MaxGenerationTicks int           `yaml:"maxGenerationTicks"`
	OutputDir          string        `yaml:"outputDir"`
	RandomSeed         int64         `yaml:"randomSeed"`
	UserID             string        `yaml:"userId"`
	LogLevel           string        `yaml:"logLevel"`
}

// BrokerConfig configures the broker relay process.
type BrokerConfig struct {
	Port            int           `yaml:"port"`
	NodeTimeout     time.Duration `yaml:"nodeTimeout"`
	GCInterval      time.Duration `yaml:"gcInterval"`
	PullTimeout     time.Duration `yaml:"pullTimeout"`
	MaxUsers        int           `yaml:"maxUsers"`
	MaxNodesPerUser int           `yaml:"maxNodesPerUser"`
	LogLevel        string        `yaml:"logLevel"`
}

// DefaultNodeConfig returns the baseline node configuration before file or
// environment overrides are applied.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		BrokerAddr:         "http://localhost:4242",
		TickInterval:       2 * time.Second,
		MaxTickInterval:    30 * time.Second,
		MaxGenerationTicks: 0,
		OutputDir:          ".",
		LogLevel:           "info",
	}
}

// DefaultBrokerConfig returns the baseline broker configuration before
// file or environment overrides are applied.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Port:        4242,
		NodeTimeout: 20 * time.Second,
		GCInterval:  time.Second,
		PullTimeout: 120 * time.Second,
		LogLevel:    "info",
	}
}

// LoadNodeConfig reads path (if non-empty) as YAML into a NodeConfig
// seeded with DefaultNodeConfig, then applies environment overrides named
// in spec.md §6.4.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	overrideString(&cfg.NodeID, "NODE_ID")
	overrideString(&cfg.BrokerAddr, "BROKER_PORT", brokerPortToAddr)
	overrideDuration(&cfg.TickInterval, "TICK_INTERVAL")
	overrideInt(&cfg.MaxGenerationTicks, "MAX_GENERATION_TICKS")
	overrideString(&cfg.OutputDir, "OUTPUT_DIR")
	overrideInt64(&cfg.RandomSeed, "RANDOM_SEED")

	if cfg.NodeID == "" {
		return cfg, fmt.Errorf("config: NODE_ID is required")
	}
	return cfg, nil
}

// LoadBrokerConfig reads path (if non-empty) as YAML into a BrokerConfig
// seeded with DefaultBrokerConfig, then applies the PORT override.
func LoadBrokerConfig(path string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}
	overrideInt(&cfg.Port, "PORT")
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func overrideString(dst *string, envVar string, transform ...func(string) string) {
	v, ok := os.LookupEnv(envVar)
	if !ok || v == "" {
		return
	}
	for _, t := range transform {
		v = t(v)
	}
	*dst = v
}

func overrideInt(dst *int, envVar string) {
	v, ok := os.LookupEnv(envVar)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func overrideInt64(dst *int64, envVar string) {
	v, ok := os.LookupEnv(envVar)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return
	}
	*dst = n
}

func overrideDuration(dst *time.Duration, envVar string) {
	v, ok := os.LookupEnv(envVar)
	if !ok || v == "" {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

func brokerPortToAddr(port string) string {
	return "http://localhost:" + port
}
