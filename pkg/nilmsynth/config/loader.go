package config

import (
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/samples"
)

const (
	defaultName          = "Test Data"
	defaultOutputStream  = "/nilm-synth"
	defaultCacheSegments = 256
)

// LoadFile reads a dataset description, applies defaults and environment
// overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.WrapConfigError(err, "failed to read config file %s", path)
	}
	return Parse(data)
}

// Parse is LoadFile on an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, common.WrapConfigError(err, "failed to parse config file")
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	klog.V(2).InfoS("Loaded configuration",
		"name", cfg.Metadata.Name,
		"start", cfg.Dataset.Start,
		"end", cfg.Dataset.End,
		"timezone", cfg.Dataset.Timezone,
		"loads", len(cfg.Loads),
		"workers", cfg.Build.Workers,
		"outputDir", cfg.Resources.OutputDir)

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Metadata.Name == "" {
		c.Metadata.Name = defaultName
	}
	if c.Dataset.Timezone == "" {
		c.Dataset.Timezone = "UTC"
	}
	if c.Dataset.Phases == 0 {
		c.Dataset.Phases = 1
	}
	if c.Resources.OutputStream == "" {
		c.Resources.OutputStream = defaultOutputStream
	}
	if c.Build.Workers == 0 {
		c.Build.Workers = runtime.NumCPU()
	}
	if c.Build.ChunkSize == 0 {
		c.Build.ChunkSize = samples.DefaultChunkSize
	}
	if c.Build.CacheSegments == 0 {
		c.Build.CacheSegments = defaultCacheSegments
	}
}

func (c *Config) applyEnv() {
	if strValue := os.Getenv("NILMSYNTH_SEED"); strValue != "" {
		if seed, err := strconv.ParseInt(strValue, 10, 64); err == nil {
			c.Build.Seed = &seed
		} else {
			klog.V(2).InfoS("Invalid integer value, ignoring", "key", "NILMSYNTH_SEED", "value", strValue)
		}
	}
	c.Build.Workers = getIntOrDefault("NILMSYNTH_WORKERS", c.Build.Workers)
	c.Build.ChunkSize = getIntOrDefault("NILMSYNTH_CHUNK_SIZE", c.Build.ChunkSize)
	c.Resources.OutputDir = getEnvOrDefault("NILMSYNTH_OUTPUT_DIR", c.Resources.OutputDir)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
