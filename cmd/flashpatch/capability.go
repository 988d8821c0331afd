package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashpatch/internal/backend"
)

func capabilityCmd() *cli.Command {
	return &cli.Command{
		Name:  "capability",
		Usage: "Print the host capability and the implementation auto selects",
		Flags: implementationFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyImplementationConfig(cmd, fileConfig)
			c, err := resolveCapability()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			writeCapabilityTable(os.Stdout, c)
			return nil
		},
	}
}

func writeCapabilityTable(w io.Writer, c backend.Capability) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PROPERTY", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk([][]string{
		{"arch", c.Arch},
		{"capability", c.String()},
		{"fused supported", strconv.FormatBool(c.SupportsFused())},
		{"required major", strconv.Itoa(backend.FusedMinMajor)},
		{"auto selects", backend.Flash},
		{"cpus", strconv.Itoa(runtime.NumCPU())},
		{"features", strings.Join(c.EnabledFeatures(), " ")},
	})
	table.Render()
}
