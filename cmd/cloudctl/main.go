package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/multicloud-gateway/cmd/flags"
	"github.com/urfave/cli/v2"
)

var providerFlag = &cli.StringSliceFlag{
	Name:    "provider",
	Aliases: []string{"p"},
	Usage:   "backend key; repeat for several (default backend when omitted)",
}

var (
	allFlag = &cli.BoolFlag{
		Name:  "all",
		Usage: "use every enabled backend",
	}
	formatFlag = &cli.StringFlag{
		Name:  "format",
		Value: formatTable,
		Usage: "output format (table, json, csv)",
	}
	detailedFlag = &cli.BoolFlag{
		Name:  "detailed",
		Usage: "print storage, request and cost breakdowns",
	}
)

var (
	environmentFlag = &cli.StringFlag{
		Name:  "environment",
		Value: "production",
		Usage: "target environment",
	}
	regionFlag = &cli.StringFlag{
		Name:  "region",
		Usage: "target region (backend default when empty)",
	}
	dryRunFlag = &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "simulate without making changes",
	}
	stepDelayFlag = &cli.DurationFlag{
		Name:  "step-delay",
		Value: 500 * time.Millisecond,
		Usage: "pause between deployment steps",
	}
)

var (
	pathFlag = &cli.StringFlag{
		Name:     "path",
		Required: true,
		Usage:    "object path",
	}
	expirationFlag = &cli.DurationFlag{
		Name:  "expiration",
		Value: time.Hour,
		Usage: "signed URL lifetime",
	}
)

func main() {
	app := &cli.App{
		Name:  "cloudctl",
		Usage: "Inspect and operate the configured storage backends",
		Flags: append([]cli.Flag{flags.ConfigFlag}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:   "providers",
				Usage:  "List configured backends",
				Action: providersAction,
			},
			{
				Name:   "usage",
				Usage:  "Show storage usage and estimated cost",
				Flags:  []cli.Flag{providerFlag, allFlag, formatFlag, detailedFlag},
				Action: usageAction,
			},
			{
				Name:   "test-connection",
				Usage:  "Check backends without falling back",
				Flags:  []cli.Flag{providerFlag, allFlag},
				Action: testConnectionAction,
			},
			{
				Name:   "deploy",
				Usage:  "Simulate an application deployment to a backend",
				Flags:  []cli.Flag{providerFlag, environmentFlag, regionFlag, dryRunFlag, stepDelayFlag},
				Action: deployAction,
			},
			{
				Name:   "signed-url",
				Usage:  "Generate a time-limited download URL",
				Flags:  []cli.Flag{providerFlag, pathFlag, expirationFlag},
				Action: signedURLAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func providersAction(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	gw, _, err := flags.LoadGateway(cCtx, nil, logger)
	if err != nil {
		return err
	}
	renderProviders(cCtx.App.Writer, gw.Providers())
	return nil
}

// selectedBackends resolves --provider and --all into backend names. An
// empty result means every enabled backend.
func selectedBackends(cCtx *cli.Context, defaultBackend string) []string {
	if cCtx.Bool(allFlag.Name) {
		return nil
	}
	if names := cCtx.StringSlice(providerFlag.Name); len(names) > 0 {
		return names
	}
	return []string{defaultBackend}
}

func usageAction(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	gw, cfg, err := flags.LoadGateway(cCtx, nil, logger)
	if err != nil {
		return err
	}

	summary, err := gw.Usage(cCtx.Context, selectedBackends(cCtx, cfg.Default)...)
	if err != nil {
		return err
	}
	return renderUsage(cCtx.App.Writer, summary, cCtx.String(formatFlag.Name), cCtx.Bool(detailedFlag.Name))
}

func testConnectionAction(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	gw, cfg, err := flags.LoadGateway(cCtx, nil, logger)
	if err != nil {
		return err
	}

	names := selectedBackends(cCtx, cfg.Default)
	if names == nil {
		for _, p := range gw.Providers() {
			if p.Enabled {
				names = append(names, p.Name)
			}
		}
	}

	var failed int
	checks := make([]connectionCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		res, err := gw.TestConnection(cCtx.Context, name)
		if err != nil {
			failed++
		}
		checks = append(checks, connectionCheck{Backend: name, Result: res, Err: err, Duration: time.Since(start)})
	}
	renderConnectionChecks(cCtx.App.Writer, checks)

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d backends failed", failed, len(checks)), 1)
	}
	return nil
}

func deployAction(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	gw, cfg, err := flags.LoadGateway(cCtx, nil, logger)
	if err != nil {
		return err
	}

	backend := cfg.Default
	if names := cCtx.StringSlice(providerFlag.Name); len(names) > 0 {
		backend = names[0]
	}

	logger = flags.ConfiguredLogger(cCtx, cfg, logger)
	d, err := runDeployment(cCtx.Context, gw, deployOptions{
		Backend:     backend,
		Environment: cCtx.String(environmentFlag.Name),
		Region:      cCtx.String(regionFlag.Name),
		DryRun:      cCtx.Bool(dryRunFlag.Name),
		StepDelay:   cCtx.Duration(stepDelayFlag.Name),
	}, logger)
	if err != nil {
		return err
	}
	renderDeployment(cCtx.App.Writer, d)
	return nil
}

func signedURLAction(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	gw, cfg, err := flags.LoadGateway(cCtx, nil, logger)
	if err != nil {
		return err
	}

	backend := cfg.Default
	if names := cCtx.StringSlice(providerFlag.Name); len(names) > 0 {
		backend = names[0]
	}

	signed, err := gw.SignedURL(cCtx.Context, backend, cCtx.String(pathFlag.Name), cCtx.Duration(expirationFlag.Name))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(signed)
}
