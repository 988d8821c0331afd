package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/flashpatch/internal/logger"
)

// Config represents the flashpatch configuration file
// (~/.config/flashpatch/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Implementation string `yaml:"implementation"`
	Capability     string `yaml:"capability"`

	// Layer shape
	DType          string   `yaml:"dtype"`
	Heads          *int64   `yaml:"heads"`
	KVHeads        *int64   `yaml:"kv_heads"`
	HeadDim        *int64   `yaml:"head_dim"`
	TensorParallel *int64   `yaml:"tensor_parallel"`
	RopeTheta      *float64 `yaml:"rope_theta"`
	Batch          *int64   `yaml:"batch"`
	SeqLen         *int64   `yaml:"seq_len"`
	Seed           *int64   `yaml:"seed"`
	Tolerance      *float64 `yaml:"tolerance"`

	// Kernel
	KernelWorkers *int64 `yaml:"kernel_workers"`
	BlockSize     *int64 `yaml:"block_size"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

// fileConfig is the configuration loaded by the root Before hook.
var fileConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "flashpatch", "config.yaml")
}

// LoadConfig reads the config file at path. A missing default file yields a
// zero Config; a missing explicit file or malformed YAML is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// setup loads the config file and stores the configured logger in ctx.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyLoggingConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	log, err := logger.Build(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyImplementationConfig(c *cli.Command, cfg Config) {
	if cfg.Implementation != "" && !c.IsSet("implementation") {
		implementation = cfg.Implementation
	}
	if cfg.Capability != "" && !c.IsSet("capability") {
		capabilityFlag = cfg.Capability
	}
}

// applyLayerConfig applies config file defaults to the layer shape flags
// when the corresponding CLI flag was not explicitly set.
func applyLayerConfig(c *cli.Command, cfg Config, tolerance *float64) {
	if cfg.DType != "" && !c.IsSet("dtype") {
		dtypeName = cfg.DType
	}
	setInt := func(flag string, dst *int64, v *int64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	setInt("heads", &heads, cfg.Heads)
	setInt("kv-heads", &kvHeads, cfg.KVHeads)
	setInt("head-dim", &headDim, cfg.HeadDim)
	setInt("tensor-parallel", &tensorParallel, cfg.TensorParallel)
	setInt("batch", &batch, cfg.Batch)
	setInt("seq-len", &seqLen, cfg.SeqLen)
	setInt("seed", &seed, cfg.Seed)
	setInt("kernel-workers", &kernelWorkers, cfg.KernelWorkers)
	setInt("block-size", &blockSize, cfg.BlockSize)
	if cfg.RopeTheta != nil && !c.IsSet("rope-theta") {
		ropeTheta = *cfg.RopeTheta
	}
	if tolerance != nil && cfg.Tolerance != nil && !c.IsSet("tolerance") {
		*tolerance = *cfg.Tolerance
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
