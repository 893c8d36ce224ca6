package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/ruteri/multicloud-gateway/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultUsageParallel = 4
	DefaultUsageTimeout  = 10 * time.Second
)

// UsageBackends is the part of the registry the aggregator needs.
type UsageBackends interface {
	Resolver
	Names() []string
}

// UsageEntry is the outcome for one backend. Exactly one of Report and Err is set.
type UsageEntry struct {
	Backend string
	Report  *interfaces.UsageReport
	Err     error
}

// UsageTotals sums the successful entries of a summary.
type UsageTotals struct {
	Backends    int     `json:"backends"`
	Failed      int     `json:"failed"`
	ObjectCount int64   `json:"total_objects"`
	TotalBytes  int64   `json:"total_size_bytes"`
	TotalHuman  string  `json:"total_size_human"`
	Cost        float64 `json:"total_cost"`
}

// UsageSummary holds one entry per requested backend, in request order.
type UsageSummary struct {
	Entries []UsageEntry
}

// Totals sums bytes, objects and cost over the successful entries.
func (s *UsageSummary) Totals() UsageTotals {
	var t UsageTotals
	for _, e := range s.Entries {
		if e.Err != nil {
			t.Failed++
			continue
		}
		t.Backends++
		t.ObjectCount += e.Report.Storage.ObjectCount
		t.TotalBytes += e.Report.Storage.TotalBytes
		t.Cost += e.Report.Costs.Total
	}
	t.TotalHuman = humanize.IBytes(uint64(t.TotalBytes))
	return t
}

// Get returns the entry for backend.
func (s *UsageSummary) Get(backend string) (UsageEntry, bool) {
	for _, e := range s.Entries {
		if e.Backend == backend {
			return e, true
		}
	}
	return UsageEntry{}, false
}

// MarshalJSON encodes the summary as an object keyed by backend name with keys
// in entry order. Failed backends encode as {"status":"error","message":...}.
func (s *UsageSummary) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s.Entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Backend)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var value any = e.Report
		if e.Err != nil {
			value = struct {
				Status    interfaces.Status    `json:"status"`
				Message   string               `json:"message"`
				ErrorKind interfaces.ErrorKind `json:"error_kind"`
			}{interfaces.StatusError, e.Err.Error(), interfaces.KindOf(e.Err)}
		}
		v, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UsageAggregator collects usage reports from many backends concurrently.
// A failing or slow backend only affects its own entry. At most maxParallel
// adapter calls run at once, counting calls still running past their timeout.
type UsageAggregator struct {
	backends    UsageBackends
	maxParallel int
	inflight    *semaphore.Weighted
	timeout     time.Duration
	metrics     *metrics.GatewayMetrics
	log         *slog.Logger
}

func NewUsageAggregator(backends UsageBackends, maxParallel int, timeout time.Duration, m *metrics.GatewayMetrics, log *slog.Logger) *UsageAggregator {
	if maxParallel < 1 {
		maxParallel = DefaultUsageParallel
	}
	if timeout <= 0 {
		timeout = DefaultUsageTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &UsageAggregator{
		backends:    backends,
		maxParallel: maxParallel,
		inflight:    semaphore.NewWeighted(int64(maxParallel)),
		timeout:     timeout,
		metrics:     m,
		log:         log,
	}
}

// Collect gathers usage for names, or for every enabled backend when names is
// empty. Unknown names fail the whole call before anything is dispatched.
func (a *UsageAggregator) Collect(ctx context.Context, names []string) (*UsageSummary, error) {
	if len(names) == 0 {
		names = a.backends.Names()
	}
	seen := make(map[string]bool, len(names))
	unique := make([]string, 0, len(names))
	for _, name := range names {
		if !a.backends.Has(name) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownBackend, name)
		}
		if !seen[name] {
			seen[name] = true
			unique = append(unique, name)
		}
	}

	summary := &UsageSummary{Entries: make([]UsageEntry, len(unique))}

	var g errgroup.Group
	g.SetLimit(a.maxParallel)
	for i, name := range unique {
		i, name := i, name
		g.Go(func() error {
			report, err := a.collectOne(ctx, name)
			if err != nil {
				a.metrics.UsageError(name)
				a.log.Warn("Failed to collect usage", slog.String("backend", name), "err", err)
			}
			summary.Entries[i] = UsageEntry{Backend: name, Report: report, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return summary, nil
}

type usageOutcome struct {
	report *interfaces.UsageReport
	err    error
}

func (a *UsageAggregator) collectOne(ctx context.Context, name string) (*interfaces.UsageReport, error) {
	if err := a.inflight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %s: usage collection: %w", interfaces.ErrProvider, name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// The slot is released when the adapter call returns, not on timeout.
	done := make(chan usageOutcome, 1)
	go func() {
		defer a.inflight.Release(1)
		defer func() {
			if p := recover(); p != nil {
				done <- usageOutcome{err: fmt.Errorf("%w: %s: adapter panicked: %v", interfaces.ErrProvider, name, p)}
			}
		}()

		h, err := a.backends.Resolve(ctx, name)
		if err != nil {
			done <- usageOutcome{err: err}
			return
		}
		res, err := h.Adapter.GetUsage(ctx)
		switch {
		case err != nil:
			done <- usageOutcome{err: err}
		case res == nil:
			done <- usageOutcome{err: fmt.Errorf("%w: %s: adapter returned no result", interfaces.ErrProvider, name)}
		case res.IsError():
			done <- usageOutcome{err: fmt.Errorf("%w: %s: %s", interfaces.ErrProvider, name, res.Message)}
		case res.Usage == nil:
			done <- usageOutcome{err: fmt.Errorf("%w: %s: no usage in result", interfaces.ErrProvider, name)}
		default:
			done <- usageOutcome{report: res.Usage}
		}
	}()

	select {
	case out := <-done:
		return out.report, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: usage collection: %w", interfaces.ErrProvider, name, ctx.Err())
	}
}
