package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/backend"
	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/model"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

func benchmarkCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		layers     int64
	)

	flags := append(implementationFlags(), layerFlags()...)
	flags = append(flags, modelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "decoder layers for random weights",
			Value:       2,
			Destination: &layers,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Time eager and fused attention forward passes",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyImplementationConfig(cmd, fileConfig)
			applyLayerConfig(cmd, fileConfig, nil)
			if benchRuns < 1 {
				return cli.Exit("error: --runs must be at least 1", 1)
			}

			if !cmd.IsSet("implementation") && fileConfig.Implementation == "" {
				implementation = backend.Flash
			}
			fused, err := installImplementation(ctx, implementation)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fusedModel, err := loadModel(ctx, fused, int(layers))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			eagerModel, err := fusedModel.WithImplementation(attention.NewEager(), attention.WithLogger(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			ac := fusedModel.AttentionConfig()
			hidden := tensor.New(ac.DType, int(batch), int(seqLen), ac.Hidden)
			tensor.FillUniform(hidden, seed, 1)

			fmt.Println("=== Attention Benchmark ===")
			fmt.Printf("Shape:    batch=%d seq=%d heads=%d kv_heads=%d head_dim=%d\n", batch, seqLen, ac.Heads, ac.KVHeads, ac.HeadDim)
			fmt.Printf("Layers:   %d\n", len(fusedModel.Layers))
			fmt.Printf("DType:    %s\n", ac.DType)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"IMPLEMENTATION", "MEAN", "MIN", "MAX", "TOKENS/S"})
			table.SetBorder(false)
			var means []time.Duration
			for _, m := range []*model.Model{eagerModel, fusedModel} {
				name := m.Implementation().Name()
				for i := range int(warmupRuns) {
					log.Debug("warmup run", "implementation", name, "run", i+1)
					if _, _, err := m.Forward(hidden, nil, nil); err != nil {
						return cli.Exit(fmt.Sprintf("error: %s warmup: %v", name, err), 1)
					}
				}
				stats, err := timeRuns(ctx, m, hidden, int(benchRuns))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", name, err), 1)
				}
				tokens := float64(batch*seqLen) / stats.mean.Seconds()
				table.Append([]string{
					name,
					stats.mean.Round(time.Microsecond).String(),
					stats.min.Round(time.Microsecond).String(),
					stats.max.Round(time.Microsecond).String(),
					strconv.FormatFloat(tokens, 'f', 1, 64),
				})
				means = append(means, stats.mean)
			}
			table.Render()
			if len(means) == 2 && means[1] > 0 {
				fmt.Printf("\nSpeedup:  %.2fx\n", means[0].Seconds()/means[1].Seconds())
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("Memory:   %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

type runStats struct {
	mean, min, max time.Duration
}

func timeRuns(ctx context.Context, m *model.Model, hidden *tensor.Tensor, runs int) (runStats, error) {
	var s runStats
	var total time.Duration
	for i := range runs {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		start := time.Now()
		if _, _, err := m.Forward(hidden, nil, nil); err != nil {
			return s, err
		}
		d := time.Since(start)
		total += d
		if i == 0 || d < s.min {
			s.min = d
		}
		if d > s.max {
			s.max = d
		}
	}
	s.mean = total / time.Duration(runs)
	return s, nil
}
