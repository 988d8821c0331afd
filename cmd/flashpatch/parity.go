package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/parity"
)

func parityCmd() *cli.Command {
	var (
		tolerance  float64
		checks     []string
		workers    int64
		layer      int64
		jsonOutput bool
	)

	flags := append(layerFlags(), modelFlags()...)
	flags = append(flags,
		&cli.Float64Flag{
			Name:        "tolerance",
			Usage:       "max absolute difference (0 = dtype default)",
			Destination: &tolerance,
		},
		&cli.StringSliceFlag{
			Name:        "check",
			Usage:       "run only the named checks (" + strings.Join(parity.AllChecks, ", ") + ")",
			Destination: &checks,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "concurrent checks (0 = all at once)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "layer",
			Usage:       "checkpoint layer whose weights are checked",
			Destination: &layer,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &jsonOutput,
		},
	)

	return &cli.Command{
		Name:  "parity",
		Usage: "Check fused attention against the explicit implementation",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyLayerConfig(cmd, fileConfig, &tolerance)

			cfg, err := layerConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			opts := parity.Options{
				Attention: cfg,
				Batch:     int(batch),
				SeqLen:    int(seqLen),
				Seed:      seed,
				Tolerance: tolerance,
				Checks:    checks,
				Workers:   int(workers),
				Kernel:    kernel(),
			}
			if modelPath != "" {
				m, err := loadModel(ctx, nil, 0)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
				}
				if layer < 0 || int(layer) >= len(m.Layers) {
					return cli.Exit(fmt.Sprintf("error: layer %d out of range (model has %d)", layer, len(m.Layers)), 1)
				}
				opts.Attention = m.AttentionConfig()
				opts.Attention.MaxPositions = max(opts.Attention.MaxPositions, int(seqLen))
				opts.Weights = &m.Layers[layer].Weights
			}

			report, err := parity.Run(ctx, opts, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if jsonOutput {
				err = writeReportJSON(os.Stdout, report)
			} else {
				writeReportTable(os.Stdout, report)
			}
			if err != nil {
				return err
			}
			if !report.Passed {
				return cli.Exit(fmt.Sprintf("parity failed: %s", strings.Join(report.Failed(), ", ")), 2)
			}
			return nil
		},
	}
}

func writeReportJSON(w io.Writer, r *parity.Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func writeReportTable(w io.Writer, r *parity.Report) {
	_, _ = fmt.Fprintf(w, "report %s  dtype=%s  tolerance=%g\n\n", r.ID, r.DType, r.Tolerance)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"CHECK", "RESULT", "MAX ABS DIFF", "DURATION", "DETAIL"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, res := range r.Results {
		table.Append([]string{
			res.Name,
			resultLabel(res),
			strconv.FormatFloat(res.MaxAbsDiff, 'g', 4, 64),
			res.Duration.Round(time.Microsecond).String(),
			res.Detail,
		})
	}
	table.Render()
}

func resultLabel(r parity.Result) string {
	switch {
	case r.Skipped:
		return "skip"
	case r.Passed:
		return "pass"
	default:
		return "FAIL"
	}
}
