package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mit-pdos/go-raidframe/dag"
)

var (
	tracer = otel.Tracer("raidframe.engine")
	meter  = otel.Meter("raidframe.engine")
)

// initMetrics lazily creates the engine's instruments. A failure leaves the
// instrument nil and is logged once; recording on a nil instrument is
// skipped.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.dagDuration, err = meter.Float64Histogram("raid_dag_duration_seconds",
			metric.WithDescription("Time from submit to terminal callback"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "dag_duration: "+err.Error())
		}

		e.dagsTotal, err = meter.Int64Counter("raid_dag_total",
			metric.WithDescription("DAGs driven to a terminal state, by outcome"),
		)
		if err != nil {
			initErrors = append(initErrors, "dag_total: "+err.Error())
		}

		e.activeDags, err = meter.Int64UpDownCounter("raid_dag_active",
			metric.WithDescription("DAGs currently running or unwinding"),
		)
		if err != nil {
			initErrors = append(initErrors, "dag_active: "+err.Error())
		}

		e.nodesFiredC, err = meter.Int64Counter("raid_node_fired_total",
			metric.WithDescription("Nodes fired, by kind"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_fired: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("raid_node_failure_total",
			metric.WithDescription("Nodes that failed, by kind"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failure: "+err.Error())
		}

		e.undoFailures, err = meter.Int64Counter("raid_undo_failure_total",
			metric.WithDescription("Undo operations that failed during unwind"),
		)
		if err != nil {
			initErrors = append(initErrors, "undo_failure: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func kindAttr(k dag.Kind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", k.String()))
}

func (e *Engine) recordFire(ctx context.Context, n *dag.Node) {
	if e.nodesFiredC != nil {
		e.nodesFiredC.Add(ctx, 1, kindAttr(n.Kind))
	}
}

func (e *Engine) recordNodeFailure(ctx context.Context, n *dag.Node) {
	if e.nodeFailures != nil {
		e.nodeFailures.Add(ctx, 1, kindAttr(n.Kind))
	}
}

func (e *Engine) recordUndoFailure(ctx context.Context, n *dag.Node) {
	if e.undoFailures != nil {
		e.undoFailures.Add(ctx, 1, kindAttr(n.Kind))
	}
}

func (e *Engine) recordActive(ctx context.Context, delta int64) {
	if e.activeDags != nil {
		e.activeDags.Add(ctx, delta)
	}
}

func (e *Engine) recordDone(ctx context.Context, r Result) {
	outcome := metric.WithAttributes(attribute.String("outcome", r.State.String()))
	if e.dagsTotal != nil {
		e.dagsTotal.Add(ctx, 1, outcome)
	}
	if e.dagDuration != nil {
		e.dagDuration.Record(ctx, r.Elapsed.Seconds(), outcome)
	}
}
