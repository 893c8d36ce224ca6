package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/multicloud-gateway/cmd/flags"
	"github.com/ruteri/multicloud-gateway/common"
	"github.com/ruteri/multicloud-gateway/httpserver"
	"github.com/ruteri/multicloud-gateway/metrics"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "multicloud-server",
		Usage: "Serve the multi-cloud storage gateway API",
		Flags: append([]cli.Flag{flags.ListenAddrFlag}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))

			metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}
			cfg.Metrics = metricsSrv

			gw, gwCfg, err := flags.LoadGateway(cCtx, metricsSrv.Gateway(), logger)
			if err != nil {
				logger.Error("Failed to initialize gateway", "err", err)
				return err
			}

			logger = flags.ConfiguredLogger(cCtx, gwCfg, logger)
			cfg.Log = logger

			handler := httpserver.NewHandler(gw, httpserver.HandlerOptionsFromConfig(gwCfg), logger)
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server",
				"default", gwCfg.Default,
				"providers", len(gw.Providers()),
				"fallback", gwCfg.Fallback.Enabled)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
