package flags

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/multicloud-gateway/common"
	"github.com/ruteri/multicloud-gateway/config"
	"github.com/ruteri/multicloud-gateway/gateway"
	"github.com/ruteri/multicloud-gateway/httpserver"
	"github.com/ruteri/multicloud-gateway/metrics"
	"github.com/ruteri/multicloud-gateway/registry"
	"github.com/ruteri/multicloud-gateway/storage"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
		Level:   cCtx.String(LogLevelFlag.Name),
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfiguredLogger applies settings.logging from the configuration file unless
// a level or format was chosen on the command line. Disabled logging keeps
// errors only.
func ConfiguredLogger(cCtx *cli.Context, cfg *config.Config, logger *slog.Logger) *slog.Logger {
	if cCtx.IsSet(LogLevelFlag.Name) || cCtx.IsSet(LogDebugFlag.Name) || cCtx.IsSet(LogJsonFlag.Name) {
		return logger
	}

	level := cfg.Settings.Logging.Level
	if !cfg.Settings.Logging.Enabled {
		level = "error"
	}
	configured := common.SetupLogger(&common.LoggingOpts{
		JSON:    cfg.Settings.Logging.JSON,
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
		Level:   level,
	})
	if cCtx.Bool(LogUidFlag.Name) {
		configured = configured.With("uid", uuid.NewString())
	}
	return configured
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// LoadGateway loads the configuration file named by --config and builds the
// registry and gateway on top of it. m may be nil.
func LoadGateway(cCtx *cli.Context, m *metrics.GatewayMetrics, logger *slog.Logger) (*gateway.Gateway, *config.Config, error) {
	cfg, err := config.Load(cCtx.Context, cCtx.String(ConfigFlag.Name), logger)
	if err != nil {
		return nil, nil, err
	}
	gw, err := NewGateway(cCtx.Context, cfg, m, ConfiguredLogger(cCtx, cfg, logger))
	if err != nil {
		return nil, nil, err
	}
	return gw, cfg, nil
}

// NewGateway wires a gateway for a loaded configuration.
func NewGateway(_ context.Context, cfg *config.Config, m *metrics.GatewayMetrics, logger *slog.Logger) (*gateway.Gateway, error) {
	backends := cfg.Backends()
	if err := storage.CheckDrivers(backends); err != nil {
		return nil, err
	}

	reg, err := registry.New(backends, cfg.Default, storage.NewFactory(logger), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	opts, err := gateway.OptionsFromConfig(cfg, reg)
	if err != nil {
		return nil, err
	}
	opts.Metrics = m
	opts.Log = logger
	return gateway.New(opts)
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Value:   "multicloud.yaml",
	EnvVars: []string{"MULTICLOUD_CONFIG"},
	Usage:   "path to the gateway configuration file",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogLevelFlag = &cli.StringFlag{
	Name:  "log-level",
	Usage: "log level (debug, info, warn, error); overrides --log-debug",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "multicloud-gateway",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogLevelFlag,
	LogUidFlag,
	LogServiceFlag,
}

var CommonFlags = append([]cli.Flag{
	ConfigFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}, LogFlags...)
