package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/backend"
	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/model"
	"github.com/samcharles93/flashpatch/internal/safetensors"
)

func resolveCapability() (backend.Capability, error) {
	if capabilityFlag == "" {
		return backend.DetectCapability(), nil
	}
	return backend.ParseCapability(capabilityFlag)
}

func installImplementation(ctx context.Context, name string) (attention.Implementation, error) {
	capability, err := resolveCapability()
	if err != nil {
		return nil, err
	}
	return backend.Install(backend.Options{
		Implementation: name,
		Capability:     capability,
		Kernel:         kernel(),
		Logger:         logger.FromContext(ctx),
	})
}

// modelConfig returns the checkpoint config when --model-config is set and a
// config derived from the layer flags otherwise.
func modelConfig(layers int) (*model.Config, error) {
	if modelConfigPath != "" {
		return model.LoadConfig(modelConfigPath)
	}
	cfg, err := layerConfig()
	if err != nil {
		return nil, err
	}
	return &model.Config{
		ModelType:             "llama",
		HiddenSize:            cfg.Hidden,
		NumAttentionHeads:     cfg.Heads,
		NumKeyValueHeads:      cfg.KVHeads,
		NumHiddenLayers:       layers,
		HeadDim:               cfg.HeadDim,
		PretrainingTP:         cfg.TensorParallel,
		MaxPositionEmbeddings: max(cfg.MaxPositions, 2048),
		RopeTheta:             cfg.RopeTheta,
		TorchDType:            cfg.DType.String(),
	}, nil
}

// loadModel opens --model with its config, or builds random weights.
func loadModel(ctx context.Context, impl attention.Implementation, layers int) (*model.Model, error) {
	log := logger.FromContext(ctx)
	cfg, err := modelConfig(layers)
	if err != nil {
		return nil, err
	}
	opts := []attention.Option{attention.WithLogger(log)}
	if modelPath == "" {
		return model.NewRandom(cfg, impl, seed, opts...)
	}
	if modelConfigPath == "" {
		return nil, fmt.Errorf("--model requires --model-config")
	}
	st, err := safetensors.Open(modelPath)
	if err != nil {
		return nil, err
	}
	log.Info("loading checkpoint", "path", modelPath, "layers", cfg.Layers())
	return model.LoadSafetensors(cfg, st, impl, opts...)
}
