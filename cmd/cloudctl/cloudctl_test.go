package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/multicloud-gateway/gateway"
	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/ruteri/multicloud-gateway/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func testSummary() *gateway.UsageSummary {
	return &gateway.UsageSummary{Entries: []gateway.UsageEntry{
		{
			Backend: "aws",
			Report: &interfaces.UsageReport{
				Storage:  interfaces.StorageUsage{ObjectCount: 1200, TotalBytes: 2048, TotalHuman: "2.0 KiB"},
				Requests: map[string]int64{"get_requests": 10, "put_requests": 4, "delete_requests": 1},
				Costs: interfaces.CostUsage{
					Breakdown: map[string]float64{"storage_cost": 0.7, "request_cost": 0.05},
					Total:     0.75,
					Currency:  "USD",
				},
			},
		},
		{Backend: "azure", Err: fmt.Errorf("%w: azure: timeout", interfaces.ErrProvider)},
	}}
}

func TestRenderUsage_CSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderUsage(&buf, testSummary(), formatCSV, false))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Provider", "Total Objects", "Total Size", "Get Requests", "Put Requests", "Delete Requests", "Total Cost"}, rows[0])
	assert.Equal(t, []string{"aws", "1200", "2.0 KiB", "10", "4", "1", "$0.750"}, rows[1])
	assert.Equal(t, "azure", rows[2][0])
	assert.Equal(t, "ERROR", rows[2][6])
}

func TestRenderUsage_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderUsage(&buf, testSummary(), formatJSON, false))

	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Contains(t, out["usage"], "aws")
	require.Contains(t, out["usage"], "azure")
	assert.EqualValues(t, 2, out["totals"]["backends"])
	assert.Contains(t, buf.String(), "\n  ")
}

func TestRenderUsage_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderUsage(&buf, testSummary(), formatTable, true))
	out := buf.String()

	assert.Contains(t, out, "aws usage")
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "$0.750")
	assert.Contains(t, out, "storage_cost")
	assert.Contains(t, out, "azure:")
	assert.Contains(t, out, "(1 failed)")
}

func TestRenderUsage_UnknownFormat(t *testing.T) {
	require.Error(t, renderUsage(io.Discard, testSummary(), "xml", false))
}

func TestRenderProviders(t *testing.T) {
	var buf bytes.Buffer
	renderProviders(&buf, []registry.BackendInfo{
		{Name: "aws", DisplayName: "Amazon S3", Driver: "s3", Enabled: true, Default: true},
		{Name: "gcp", DisplayName: "Google Cloud Storage", Driver: "gcs"},
	})
	out := strings.ToUpper(buf.String())
	assert.Contains(t, out, "AMAZON S3")
	assert.Contains(t, out, "GCS")
}

type fakeTester struct {
	err   error
	calls []string
}

func (f *fakeTester) TestConnection(_ context.Context, backend string) (*interfaces.OperationResult, error) {
	f.calls = append(f.calls, backend)
	if f.err != nil {
		return nil, f.err
	}
	return interfaces.Success(backend, "test_connection", "").Annotate(backend, backend, 1), nil
}

func TestRunDeployment(t *testing.T) {
	tester := &fakeTester{}
	d, err := runDeployment(context.Background(), tester, deployOptions{
		Backend:     "aws",
		Environment: "staging",
		DryRun:      true,
	}, testLog)
	require.NoError(t, err)

	assert.Equal(t, []string{"aws"}, tester.calls)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "aws", d.Backend)
	assert.Equal(t, deploySteps, d.Steps)
	assert.Equal(t, "Simulated", d.status())

	var buf bytes.Buffer
	renderDeployment(&buf, d)
	assert.Contains(t, buf.String(), "Dry Run")
	assert.Contains(t, buf.String(), "Default")
	assert.Contains(t, buf.String(), "staging")
}

func TestRunDeployment_ConnectionFailure(t *testing.T) {
	tester := &fakeTester{err: fmt.Errorf("%w: aws: refused", interfaces.ErrConnection)}
	_, err := runDeployment(context.Background(), tester, deployOptions{Backend: "aws"}, testLog)
	require.ErrorIs(t, err, errConnectionCheck)
	require.ErrorIs(t, err, interfaces.ErrConnection)
}

func TestRunDeployment_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runDeployment(ctx, &fakeTester{}, deployOptions{Backend: "aws", StepDelay: time.Hour}, testLog)
	require.True(t, errors.Is(err, context.Canceled))
}
