package libmsv

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/quay/msvcore"
)

// defaultConcurrency is the batch pool size when the caller does not set one.
const defaultConcurrency = 5

var (
	checkInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msvcore",
		Subsystem: "check",
		Name:      "inflight",
		Help:      "Batch items currently being queried.",
	})
	checkItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msvcore",
		Subsystem: "check",
		Name:      "items_total",
		Help:      "Batch items processed, by verdict.",
	}, []string{"verdict"})
)

// CheckItem is one batch input row.
type CheckItem struct {
	// Name is resolved against the catalog like a QueryMSV argument.
	Name string `json:"name"`
	// Version is the installed version, optional.
	Version string `json:"version,omitempty"`
}

// ComplianceRow is one batch output row. Rows are returned in input order
// regardless of completion order.
type ComplianceRow struct {
	Item    CheckItem  `json:"item"`
	Verdict string     `json:"verdict"`
	Result  *MSVResult `json:"result,omitempty"`
	// Error carries the failure message for ERROR and NOT_FOUND rows.
	Error string `json:"error,omitempty"`
}

// ProgressSink receives a tick per completed batch item. Implementations
// must be safe for concurrent use.
type ProgressSink interface {
	Step(label string)
}

// CheckOpts tunes one batch run.
type CheckOpts struct {
	// Concurrency bounds the worker pool. Zero means 5; one disables
	// parallelism.
	Concurrency int
	// Force bypasses the MSV cache for every item.
	Force bool
	// Progress, when non-nil, is ticked once per completed item.
	Progress ProgressSink
}

// Check runs QueryMSV over the items with a bounded worker pool. Per-item
// failures become ERROR or NOT_FOUND rows and never stop the pool;
// cancellation of ctx lets in-flight items finish their current source call
// and then stops scheduling.
func (l *Libmsv) Check(ctx context.Context, items []CheckItem, opts CheckOpts) ([]ComplianceRow, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libmsv/Libmsv.Check")
	n := opts.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}
	rows := make([]ComplianceRow, len(items))
	var g errgroup.Group
	g.SetLimit(n)
	for i := range items {
		if err := ctx.Err(); err != nil {
			// Stop scheduling; the remaining items become ERROR rows.
			for j := i; j < len(items); j++ {
				rows[j] = ComplianceRow{Item: items[j], Verdict: VerdictError, Error: err.Error()}
			}
			break
		}
		i := i
		g.Go(func() error {
			checkInflight.Inc()
			defer checkInflight.Dec()
			rows[i] = l.checkOne(ctx, items[i], opts.Force)
			checkItems.WithLabelValues(rows[i].Verdict).Inc()
			if opts.Progress != nil {
				opts.Progress.Step(items[i].Name)
			}
			return nil
		})
	}
	g.Wait()
	return rows, ctx.Err()
}

func (l *Libmsv) checkOne(ctx context.Context, item CheckItem, force bool) ComplianceRow {
	res, err := l.QueryMSV(ctx, item.Name, QueryOpts{
		CurrentVersion: item.Version,
		Force:          force,
	})
	switch {
	case errors.Is(err, msvcore.ErrUnknownProduct):
		return ComplianceRow{Item: item, Verdict: VerdictNotFound, Error: err.Error()}
	case err != nil && res == nil:
		zlog.Warn(ctx).Str("name", item.Name).Err(err).Msg("batch item failed")
		return ComplianceRow{Item: item, Verdict: VerdictError, Error: err.Error()}
	}
	verdict := res.Verdict
	if verdict == "" {
		// Without an installed version there is nothing to judge.
		verdict = VerdictUnknown
	}
	row := ComplianceRow{Item: item, Verdict: verdict, Result: res}
	if err != nil {
		// Computed but not persisted; keep the answer, note the failure.
		zlog.Warn(ctx).Str("name", item.Name).Err(err).Msg("batch item not persisted")
		row.Error = err.Error()
	}
	return row
}
