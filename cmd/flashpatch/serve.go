package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/flashpatch/internal/api"
	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/parity"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		storeSize   int64
	)

	flags := append(implementationFlags(), layerFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Int64Flag{
			Name:        "max-reports",
			Usage:       "parity reports kept in memory",
			Value:       api.DefaultStoreCapacity,
			Destination: &storeSize,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the capability and parity REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyImplementationConfig(cmd, fileConfig)
			applyLayerConfig(cmd, fileConfig, nil)
			applyServeConfig(cmd, fileConfig, &addr)

			capability, err := resolveCapability()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg, err := layerConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			server := api.NewServer(api.NewReportStore(int(storeSize)), api.Config{
				Capability: capability,
				Kernel:     kernel(),
				Logger:     log,
				Defaults: parity.Options{
					Attention: cfg,
					Batch:     int(batch),
					SeqLen:    int(seqLen),
					Seed:      seed,
				},
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "capability", capability.String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
