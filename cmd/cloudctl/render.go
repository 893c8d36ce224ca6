package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/ruteri/multicloud-gateway/gateway"
	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/ruteri/multicloud-gateway/registry"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatCSV   = "csv"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func money(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 3, 64)
}

func renderUsage(w io.Writer, summary *gateway.UsageSummary, format string, detailed bool) error {
	switch format {
	case formatJSON:
		return renderUsageJSON(w, summary)
	case formatCSV:
		return renderUsageCSV(w, summary)
	case formatTable, "":
		return renderUsageTable(w, summary, detailed)
	default:
		return fmt.Errorf("unknown format %q (table, json, csv)", format)
	}
}

func renderUsageJSON(w io.Writer, summary *gateway.UsageSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Usage  *gateway.UsageSummary `json:"usage"`
		Totals gateway.UsageTotals   `json:"totals"`
	}{summary, summary.Totals()})
}

func renderUsageCSV(w io.Writer, summary *gateway.UsageSummary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Provider", "Total Objects", "Total Size", "Get Requests", "Put Requests", "Delete Requests", "Total Cost"}); err != nil {
		return err
	}
	for _, e := range summary.Entries {
		row := []string{e.Backend, "ERROR", "ERROR", "ERROR", "ERROR", "ERROR", "ERROR"}
		if e.Err == nil {
			r := e.Report
			row = []string{
				e.Backend,
				strconv.FormatInt(r.Storage.ObjectCount, 10),
				r.Storage.TotalHuman,
				strconv.FormatInt(r.Requests["get_requests"], 10),
				strconv.FormatInt(r.Requests["put_requests"], 10),
				strconv.FormatInt(r.Requests["delete_requests"], 10),
				money(r.Costs.Total),
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func renderUsageTable(w io.Writer, summary *gateway.UsageSummary, detailed bool) error {
	for _, e := range summary.Entries {
		if e.Err != nil {
			fmt.Fprintf(w, "%s: %v\n\n", e.Backend, e.Err)
			continue
		}
		r := e.Report

		fmt.Fprintf(w, "%s usage\n", e.Backend)
		t := newTable(w, "Metric", "Value")
		t.AppendBulk([][]string{
			{"Total Objects", humanize.Comma(r.Storage.ObjectCount)},
			{"Total Size", r.Storage.TotalHuman},
			{"Get Requests", humanize.Comma(r.Requests["get_requests"])},
			{"Put Requests", humanize.Comma(r.Requests["put_requests"])},
			{"Delete Requests", humanize.Comma(r.Requests["delete_requests"])},
			{"Total Cost", money(r.Costs.Total)},
		})
		t.Render()

		if detailed {
			renderUsageDetails(w, r)
		}
		fmt.Fprintln(w)
	}

	totals := summary.Totals()
	fmt.Fprintf(w, "Total: %s objects, %s, %s across %d backends (%d failed)\n",
		humanize.Comma(totals.ObjectCount), totals.TotalHuman, money(totals.Cost), totals.Backends, totals.Failed)
	return nil
}

func renderUsageDetails(w io.Writer, r *interfaces.UsageReport) {
	storage := newTable(w, "Storage Metric", "Value")
	storage.AppendBulk([][]string{
		{"Total Objects", humanize.Comma(r.Storage.ObjectCount)},
		{"Total Size (Bytes)", humanize.Comma(r.Storage.TotalBytes)},
		{"Total Size (Human)", r.Storage.TotalHuman},
	})
	storage.Render()

	requests := newTable(w, "Request Type", "Count")
	for _, k := range sortedKeys(r.Requests) {
		requests.Append([]string{k, humanize.Comma(r.Requests[k])})
	}
	requests.Render()

	costs := newTable(w, "Cost Type", "Amount")
	for _, k := range sortedKeys(r.Costs.Breakdown) {
		costs.Append([]string{k, money(r.Costs.Breakdown[k])})
	}
	costs.Append([]string{"total_cost", money(r.Costs.Total)})
	costs.Render()

	if len(r.Extra) > 0 {
		extra := newTable(w, "Provider Detail", "Value")
		for _, k := range sortedKeys(r.Extra) {
			extra.Append([]string{k, fmt.Sprint(r.Extra[k])})
		}
		extra.Render()
	}
}

func renderProviders(w io.Writer, providers []registry.BackendInfo) {
	t := newTable(w, "Key", "Name", "Driver", "Enabled", "Default")
	for _, p := range providers {
		t.Append([]string{p.Name, p.DisplayName, p.Driver, yesNo(p.Enabled), yesNo(p.Default)})
	}
	t.Render()
}

type connectionCheck struct {
	Backend  string
	Result   *interfaces.OperationResult
	Err      error
	Duration time.Duration
}

func renderConnectionChecks(w io.Writer, checks []connectionCheck) {
	t := newTable(w, "Provider", "Status", "Latency", "Message")
	for _, c := range checks {
		status, message := "ok", ""
		if c.Result != nil {
			message = c.Result.Message
		}
		if c.Err != nil {
			status, message = "failed", c.Err.Error()
		}
		t.Append([]string{c.Backend, status, c.Duration.Round(time.Millisecond).String(), message})
	}
	t.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
