package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/flash"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

var (
	configFile     string
	implementation string
	capabilityFlag string
	logLevel       string
	logFormat      string
	debug          bool

	modelPath       string
	modelConfigPath string

	dtypeName      string
	heads          int64
	kvHeads        int64
	headDim        int64
	tensorParallel int64
	ropeTheta      float64
	batch          int64
	seqLen         int64
	seed           int64
	kernelWorkers  int64
	blockSize      int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
	}
}

func implementationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "implementation",
			Aliases:     []string{"impl"},
			Usage:       "attention implementation (auto, eager, flash)",
			Value:       "auto",
			Destination: &implementation,
		},
		&cli.StringFlag{
			Name:        "capability",
			Usage:       "override detected capability, e.g. 7.5",
			Destination: &capabilityFlag,
		},
	}
}

// modelFlags select a checkpoint instead of random weights.
func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .safetensors checkpoint",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "model-config",
			Usage:       "path to the checkpoint's config.json",
			Destination: &modelConfigPath,
		},
	}
}

// layerFlags describe a single attention layer shape.
func layerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "working precision (float32, float16, bfloat16)",
			Value:       "float32",
			Destination: &dtypeName,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "query heads",
			Value:       8,
			Destination: &heads,
		},
		&cli.Int64Flag{
			Name:        "kv-heads",
			Usage:       "key/value heads (0 = heads)",
			Value:       2,
			Destination: &kvHeads,
		},
		&cli.Int64Flag{
			Name:        "head-dim",
			Usage:       "per-head dimension",
			Value:       16,
			Destination: &headDim,
		},
		&cli.Int64Flag{
			Name:        "tensor-parallel",
			Aliases:     []string{"tp"},
			Usage:       "output projection split factor",
			Value:       1,
			Destination: &tensorParallel,
		},
		&cli.Float64Flag{
			Name:        "rope-theta",
			Usage:       "rotary base",
			Value:       10000,
			Destination: &ropeTheta,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch size",
			Value:       2,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Aliases:     []string{"s"},
			Usage:       "sequence length",
			Value:       16,
			Destination: &seqLen,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for weights and inputs",
			Value:       42,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "kernel-workers",
			Usage:       "fused kernel parallelism (0 = GOMAXPROCS)",
			Destination: &kernelWorkers,
		},
		&cli.Int64Flag{
			Name:        "block-size",
			Usage:       "fused kernel key block size",
			Value:       64,
			Destination: &blockSize,
		},
	}
}

func layerConfig() (attention.Config, error) {
	dtype, err := tensor.ParseDType(dtypeName)
	if err != nil {
		return attention.Config{}, err
	}
	cfg := attention.Config{
		Heads:          int(heads),
		KVHeads:        int(kvHeads),
		HeadDim:        int(headDim),
		Hidden:         int(heads * headDim),
		TensorParallel: int(tensorParallel),
		RopeTheta:      ropeTheta,
		MaxPositions:   int(seqLen),
		DType:          dtype,
	}
	if cfg.KVHeads == 0 {
		cfg.KVHeads = cfg.Heads
	}
	return cfg, cfg.Validate()
}

func kernel() flash.Kernel {
	return flash.Kernel{Workers: int(kernelWorkers), BlockSize: int(blockSize)}
}
