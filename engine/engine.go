// Package engine drives I/O DAGs to completion.
//
// Each submitted DAG gets one goroutine that owns it for its whole life.
// That goroutine fires every node whose predecessors have all succeeded and
// then waits on a completion channel; a node that issues disk I/O or a
// parity-log write returns immediately and reports back on the channel when
// the operation finishes. Nothing else touches the DAG, so node state needs
// no locking.
//
// On the first node failure the DAG stops firing. Once every in-flight node
// has reported, the engine undoes each succeeded node one at a time in
// reverse firing order and only then calls the DAG's callback. The callback
// runs exactly once per DAG, after full success or full unwind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/dag"
	"github.com/mit-pdos/go-raidframe/disk"
	"github.com/mit-pdos/go-raidframe/mirror"
	"github.com/mit-pdos/go-raidframe/plog"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("engine: closed")
	// ErrNoParityLog fails parity-log nodes on an engine built without a log.
	ErrNoParityLog = errors.New("engine: no parity log configured")
	// ErrLogRecordKept marks a parity-log node left in place because an
	// earlier undo of the same DAG failed.
	ErrLogRecordKept = errors.New("engine: parity log record kept after failed undo")
)

// Result is what a DAG's callback receives.
type Result struct {
	DagID    uuid.UUID
	Name     string
	Seq      common.SeqNum
	Priority common.Priority
	// State is StateSucceeded or StateFailedFinal.
	State dag.State
	// Err is the first node failure, as a *dag.NodeError.
	Err error
	// Undone counts the nodes whose undo ran; UndoErrors those whose undo
	// failed.
	Undone     int
	UndoErrors int
	Elapsed    time.Duration
}

func (r Result) OK() bool {
	return r.State == dag.StateSucceeded
}

// Callback is a DAG's terminal notification.
type Callback func(Result)

// Hooks observe node transitions; they run on the DAG's goroutine.
type Hooks struct {
	OnFire func(d *dag.Dag, n *dag.Node)
	OnUndo func(d *dag.Dag, n *dag.Node, err error)
}

type Stats struct {
	Submitted  uint64
	Succeeded  uint64
	Failed     uint64
	Active     int64
	NodesFired uint64
	Undos      uint64
	UndoErrors uint64
}

type Option func(*Engine)

// WithParityLog gives parity-log nodes a log to write to.
func WithParityLog(l *plog.Log) Option {
	return func(e *Engine) { e.plog = l }
}

// WithSelector shares a mirror selector between engines.
func WithSelector(s *mirror.Selector) Option {
	return func(e *Engine) { e.mirror = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// Engine runs DAGs against a disk layer. It is safe for concurrent use;
// many DAGs run at once, each on its own goroutine.
type Engine struct {
	io     disk.Issuer
	plog   *plog.Log
	mirror *mirror.Selector
	logger *slog.Logger
	hooks  Hooks

	seq    atomic.Uint64
	mu     sync.Mutex
	active sync.WaitGroup
	closed bool

	submitted  atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	running    atomic.Int64
	nodesFired atomic.Uint64
	undos      atomic.Uint64
	undoErrors atomic.Uint64

	metricsOnce  sync.Once
	dagDuration  metric.Float64Histogram
	dagsTotal    metric.Int64Counter
	activeDags   metric.Int64UpDownCounter
	nodesFiredC  metric.Int64Counter
	nodeFailures metric.Int64Counter
	undoFailures metric.Int64Counter
}

// New returns an engine that issues physical I/O through io.
func New(io disk.Issuer, opts ...Option) *Engine {
	e := &Engine{io: io}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.mirror == nil {
		e.mirror = mirror.New()
	}
	e.initMetrics()
	return e
}

// Selector returns the mirror selector mirror-read nodes use.
func (e *Engine) Selector() *mirror.Selector {
	return e.mirror
}

// Submit hands d to the engine and returns without waiting. cb runs once,
// on the DAG's goroutine, when d reaches a terminal state. ctx carries
// trace context only: a running DAG cannot be cancelled.
func (e *Engine) Submit(ctx context.Context, d *dag.Dag, cb Callback) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if err := d.Transition(dag.StateRunning); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("submit %v: %w", d, err)
	}
	e.active.Add(1)
	e.mu.Unlock()

	d.Seq = common.SeqNum(e.seq.Add(1))
	e.submitted.Add(1)
	go e.run(context.WithoutCancel(ctx), d, cb)
	return nil
}

// Run submits d and waits for its result. If ctx ends first Run returns
// ctx's error; d still runs to completion in the background.
func (e *Engine) Run(ctx context.Context, d *dag.Dag) (Result, error) {
	done := make(chan Result, 1)
	if err := e.Submit(ctx, d, func(r Result) { done <- r }); err != nil {
		return Result{}, err
	}
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Wait blocks until every submitted DAG has finished or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further submissions and waits for running DAGs.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.Wait(ctx)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:  e.submitted.Load(),
		Succeeded:  e.succeeded.Load(),
		Failed:     e.failed.Load(),
		Active:     e.running.Load(),
		NodesFired: e.nodesFired.Load(),
		Undos:      e.undos.Load(),
		UndoErrors: e.undoErrors.Load(),
	}
}

type completion struct {
	id  dag.NodeID
	err error
}

// run is the single goroutine that owns d.
func (e *Engine) run(ctx context.Context, d *dag.Dag, cb Callback) {
	defer e.active.Done()
	start := time.Now()
	e.running.Add(1)
	e.recordActive(ctx, 1)

	ctx, span := tracer.Start(ctx, "engine.Dag",
		trace.WithAttributes(
			attribute.String("dag.id", d.ID.String()),
			attribute.String("dag.name", d.Name),
			attribute.Int("dag.nodes", d.Len()),
			attribute.Int64("dag.seq", int64(d.Seq)),
		),
	)
	defer span.End()

	log := e.logger.With(
		slog.String("dag", d.Name),
		slog.String("dag_id", d.ID.String()),
		slog.Uint64("seq", uint64(d.Seq)),
	)
	log.Debug("dag started", slog.Int("nodes", d.Len()))

	// every node completes at most once, so sends never block
	done := make(chan completion, d.Len())
	var firstErr error

	fire := func(id dag.NodeID) {
		n := d.Fire(id)
		e.nodesFired.Add(1)
		e.recordFire(ctx, n)
		if e.hooks.OnFire != nil {
			e.hooks.OnFire(d, n)
		}
		e.dispatch(ctx, d, n, func(err error) {
			done <- completion{id: id, err: err}
		})
	}

	for _, h := range d.Heads() {
		fire(h)
	}
	for d.InFlight() > 0 {
		c := <-done
		n := d.Node(c.id)
		if c.err != nil {
			d.Fail(c.id, c.err)
			e.recordNodeFailure(ctx, n)
			span.AddEvent("node failed", trace.WithAttributes(
				attribute.String("node", n.String()),
				attribute.String("error", c.err.Error()),
			))
			log.Debug("node failed", slog.String("node", n.String()), slog.Any("error", c.err))
			if firstErr == nil {
				firstErr = &dag.NodeError{Node: n.ID, Name: n.Name, Kind: n.Kind, Err: c.err}
				if err := d.Transition(dag.StateFailed); err != nil {
					panic(err)
				}
			}
			continue
		}
		if firstErr != nil {
			// a sibling failed while this one was in flight
			d.SucceedNoRelease(c.id)
			continue
		}
		for _, r := range d.Succeed(c.id) {
			fire(r)
		}
	}

	r := Result{
		DagID:    d.ID,
		Name:     d.Name,
		Seq:      d.Seq,
		Priority: d.Priority,
	}
	if firstErr == nil {
		if !d.AllSucceeded() {
			panic(fmt.Errorf("%v: drained without failure but not every node succeeded", d))
		}
		if err := d.Transition(dag.StateSucceeded); err != nil {
			panic(err)
		}
		e.succeeded.Add(1)
		log.Debug("dag succeeded")
	} else {
		r.Err = firstErr
		r.Undone, r.UndoErrors = e.unwind(ctx, d, log)
		e.failed.Add(1)
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
		log.Warn("dag failed",
			slog.Any("error", firstErr),
			slog.Int("undone", r.Undone),
			slog.Int("undo_errors", r.UndoErrors),
		)
	}
	r.State = d.State()
	r.Elapsed = time.Since(start)

	e.running.Add(-1)
	e.recordActive(ctx, -1)
	e.recordDone(ctx, r)
	cb(r)
}

// unwind undoes every succeeded node in strict reverse firing order. Undo
// failures are logged and counted; they never stop the unwind.
func (e *Engine) unwind(ctx context.Context, d *dag.Dag, log *slog.Logger) (undone int, failed int) {
	if err := d.Transition(dag.StateUnwinding); err != nil {
		panic(err)
	}
	order := d.FiringOrder()
	for i := len(order) - 1; i >= 0; i-- {
		n := d.Node(order[i])
		if n.Status() != dag.StatusSucceeded {
			continue
		}
		err := e.undo(ctx, d, n, failed > 0)
		d.MarkUndone(n.ID, err)
		trace.SpanFromContext(ctx).AddEvent("node undone", trace.WithAttributes(
			attribute.String("node", n.String()),
			attribute.Bool("ok", err == nil),
		))
		undone++
		e.undos.Add(1)
		if err != nil {
			failed++
			e.undoErrors.Add(1)
			e.recordUndoFailure(ctx, n)
			log.Error("undo failed", slog.String("node", n.String()), slog.Any("error", err))
		}
		if e.hooks.OnUndo != nil {
			e.hooks.OnUndo(d, n, err)
		}
	}
	if err := d.Transition(dag.StateFailedFinal); err != nil {
		panic(err)
	}
	return undone, failed
}
