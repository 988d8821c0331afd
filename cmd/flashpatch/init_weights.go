package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/model"
)

func initWeightsCmd() *cli.Command {
	var (
		out    string
		layers int64
	)

	flags := append(layerFlags(),
		&cli.StringFlag{
			Name:        "model-config",
			Usage:       "config.json describing the layer shape (overrides layer flags)",
			Destination: &modelConfigPath,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output .safetensors path",
			Required:    true,
			Destination: &out,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "decoder layers",
			Value:       2,
			Destination: &layers,
		},
	)

	return &cli.Command{
		Name:  "init-weights",
		Usage: "Write a reproducible random checkpoint in the Llama attention layout",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyLayerConfig(cmd, fileConfig, nil)
			cfg, err := modelConfig(int(layers))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := model.NewRandom(cfg, nil, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := m.Save(out); err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}
			log.Info("wrote checkpoint", "path", out, "layers", len(m.Layers), "dtype", m.AttentionConfig().DType.String())
			return nil
		},
	}
}
