package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/p-arndt/enginebench/internal/compare"
	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/runner"
)

type EngineConfig struct {
	// Endpoints maps an interface style to the engine's endpoint for it.
	Endpoints      map[string]string `yaml:"endpoints"`
	ImageEndpoint  string            `yaml:"image_endpoint"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

type TestsConfig struct {
	Iterations            int     `yaml:"iterations"`
	Warmup                int     `yaml:"warmup"`
	Concurrency           int     `yaml:"concurrency"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	CleanupTimeoutSeconds int     `yaml:"cleanup_timeout_seconds"`
	StopTimeoutSeconds    int     `yaml:"stop_timeout_seconds"`
	DefaultImage          string  `yaml:"default_image"`
	LifecycleImage        string  `yaml:"lifecycle_image"` // container ops; falls back to default_image
	ExecCommand           string  `yaml:"exec_command"`
	StorageSize           string  `yaml:"storage_size"`
	KeepImage             bool    `yaml:"keep_image"`
	CRIHostNetwork        bool    `yaml:"cri_host_network"`
	FailureThreshold      float64 `yaml:"failure_threshold"`
	OutlierSigma          float64 `yaml:"outlier_sigma"`
	AnomalySigma          float64 `yaml:"anomaly_sigma"`
	TrialRate             float64 `yaml:"trial_rate"` // trials/s in throughput mode, 0 = unpaced
	Snapshots             bool    `yaml:"snapshots"`
	Sweep                 bool    `yaml:"sweep"`
	PodLogRoot            string  `yaml:"pod_log_root"`
}

// ReportConfig controls run output. Formats selects the artifact files
// written per run (json, console).
type ReportConfig struct {
	OutputDir   string   `yaml:"output_dir"`
	Formats     []string `yaml:"formats"`
	ArchivePath string   `yaml:"archive_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Engines map[string]EngineConfig `yaml:"engines"`
	Tests   TestsConfig             `yaml:"tests"`
	Compare compare.Config          `yaml:"compare"`
	Suites  map[string][]string     `yaml:"suites"`
	Report  ReportConfig            `yaml:"report"`
	Log     LogConfig               `yaml:"log"`
}

const DefaultBaseline = "isulad"

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Engines: knownEngines(),
		Tests: TestsConfig{
			Iterations:            10,
			Warmup:                2,
			Concurrency:           1,
			TimeoutSeconds:        60,
			CleanupTimeoutSeconds: 10,
			StopTimeoutSeconds:    10,
			DefaultImage:          "busybox:latest",
			ExecCommand:           "echo hello",
			StorageSize:           "16MiB",
			KeepImage:             true,
			CRIHostNetwork:        true,
			FailureThreshold:      runner.DefaultFailureThreshold,
			AnomalySigma:          3,
			Sweep:                 true,
			PodLogRoot:            "/tmp/enginebench/pods",
		},
		Compare: compare.Config{
			ValidityThreshold: compare.DefaultValidityThreshold,
			MinSamples:        compare.DefaultMinSamples,
			EqualBand:         compare.DefaultEqualBand,
			Baseline:          DefaultBaseline,
		},
		Suites: make(map[string][]string),
		Report: ReportConfig{
			OutputDir:   "./results",
			Formats:     []string{"json", "console"},
			ArchivePath: "./enginebench.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func knownEngines() map[string]EngineConfig {
	out := make(map[string]EngineConfig)
	for _, name := range engine.KnownNames() {
		k, _ := engine.Lookup(name)
		eps := make(map[string]string, len(k.Endpoints))
		for style, ep := range k.Endpoints {
			eps[string(style)] = ep
		}
		out[name] = EngineConfig{Endpoints: eps, ImageEndpoint: k.ImageEndpoint}
	}
	return out
}

// Endpoint resolves the endpoint for driving name through style.
func (c *Config) Endpoint(name string, style engine.Style) (string, error) {
	ec, ok := c.Engines[name]
	if !ok {
		return "", fmt.Errorf("engine %s is not configured", name)
	}
	ep := ec.Endpoints[string(style)]
	if ep == "" {
		return "", fmt.Errorf("engine %s has no %s endpoint", name, style)
	}
	return ep, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINEBENCH_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tests.Iterations = n
		}
	}
	if v := os.Getenv("ENGINEBENCH_WARMUP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tests.Warmup = n
		}
	}
	if v := os.Getenv("ENGINEBENCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tests.Concurrency = n
		}
	}
	if v := os.Getenv("ENGINEBENCH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tests.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("ENGINEBENCH_IMAGE"); v != "" {
		cfg.Tests.DefaultImage = v
	}
	if v := os.Getenv("ENGINEBENCH_CRI_HOST_NETWORK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tests.CRIHostNetwork = b
		}
	}
	if v := os.Getenv("ENGINEBENCH_FAILURE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tests.FailureThreshold = f
		}
	}
	if v := os.Getenv("ENGINEBENCH_OUTLIER_SIGMA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tests.OutlierSigma = f
		}
	}
	if v := os.Getenv("ENGINEBENCH_BASELINE"); v != "" {
		cfg.Compare.Baseline = v
	}
	if v := os.Getenv("ENGINEBENCH_OUTPUT_DIR"); v != "" {
		cfg.Report.OutputDir = v
	}
	if v, ok := os.LookupEnv("ENGINEBENCH_ARCHIVE_PATH"); ok {
		cfg.Report.ArchivePath = v
	}
	if v := os.Getenv("ENGINEBENCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ENGINEBENCH_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// ENGINEBENCH_<NAME>_ENDPOINT replaces every endpoint of a configured engine.
	for name, ec := range cfg.Engines {
		v := os.Getenv("ENGINEBENCH_" + strings.ToUpper(name) + "_ENDPOINT")
		if v == "" {
			continue
		}
		eps := make(map[string]string, len(ec.Endpoints))
		for style := range ec.Endpoints {
			eps[style] = v
		}
		ec.Endpoints = eps
		cfg.Engines[name] = ec
	}
}
