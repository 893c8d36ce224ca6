package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/multicloud-gateway/interfaces"
)

var deploySteps = []string{
	"Preparing deployment package",
	"Uploading application files",
	"Configuring environment variables",
	"Setting up load balancer",
	"Deploying database migrations",
	"Running health checks",
	"Updating DNS records",
	"Cleaning up old deployments",
}

var errConnectionCheck = errors.New("connection check failed")

type connectionTester interface {
	TestConnection(ctx context.Context, backend string) (*interfaces.OperationResult, error)
}

type deployOptions struct {
	Backend     string
	Environment string
	Region      string
	DryRun      bool
	StepDelay   time.Duration
}

type deployment struct {
	ID          string
	Backend     string
	Environment string
	Region      string
	DryRun      bool
	Steps       []string
	FinishedAt  time.Time
}

func (d *deployment) status() string {
	if d.DryRun {
		return "Simulated"
	}
	return "Completed"
}

// runDeployment walks the deployment steps against one backend after
// verifying it is reachable. Nothing is changed remotely.
func runDeployment(ctx context.Context, tester connectionTester, opts deployOptions, log *slog.Logger) (*deployment, error) {
	res, err := tester.TestConnection(ctx, opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errConnectionCheck, opts.Backend, err)
	}

	d := &deployment{
		ID:          uuid.NewString(),
		Backend:     res.ServedBy,
		Environment: opts.Environment,
		Region:      opts.Region,
		DryRun:      opts.DryRun,
	}
	log = log.With("deployment", d.ID, "backend", d.Backend, "environment", d.Environment)
	if d.DryRun {
		log.Warn("Dry run, no changes will be made")
	}

	for i, step := range deploySteps {
		log.Info("Deploy step", "step", i+1, "total", len(deploySteps), "name", step)
		if opts.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(opts.StepDelay):
			}
		}
		d.Steps = append(d.Steps, step)
	}
	d.FinishedAt = time.Now().UTC()
	log.Info("Deployment finished", "status", d.status())
	return d, nil
}

func renderDeployment(w io.Writer, d *deployment) {
	region := d.Region
	if region == "" {
		region = "Default"
	}
	mode := "Live"
	if d.DryRun {
		mode = "Dry Run"
	}

	t := newTable(w, "Property", "Value")
	t.AppendBulk([][]string{
		{"Deployment", d.ID},
		{"Provider", d.Backend},
		{"Environment", d.Environment},
		{"Region", region},
		{"Mode", mode},
		{"Steps", fmt.Sprintf("%d/%d", len(d.Steps), len(deploySteps))},
		{"Status", d.status()},
		{"Timestamp", d.FinishedAt.Format(time.RFC3339)},
	})
	t.Render()
}
