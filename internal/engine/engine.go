package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/canvasd/internal/domain"
	"github.com/totegamma/canvasd/internal/snapshot"
	"github.com/totegamma/canvasd/internal/timing"
	"github.com/totegamma/canvasd/internal/usecase"
)

var tracer = otel.Tracer("engine")

const (
	DefaultQuiet  = time.Second
	DefaultSettle = 2 * time.Second
)

// ErrNotReady is returned by FlushNow while hydrating or settling.
var ErrNotReady = errors.New("engine not ready")

type Options struct {
	// Quiet is the debounce quiet period.
	Quiet time.Duration
	// MinInterval throttles consecutive writes. Zero disables it.
	MinInterval time.Duration
	// Settle is how long saves stay suppressed after hydration.
	Settle time.Duration
	Clock  timing.Clock
}

func (o *Options) defaults() {
	if o.Quiet <= 0 {
		o.Quiet = DefaultQuiet
	}
	if o.Settle <= 0 {
		o.Settle = DefaultSettle
	}
	if o.Clock == nil {
		o.Clock = timing.RealClock
	}
}

// Engine keeps one owner's document in sync with the remote canvas row.
type Engine struct {
	owner  string
	store  usecase.DocumentStore
	canvas *usecase.CanvasUsecase
	sink   usecase.EventSink
	opts   Options

	machine *Machine
	task    *timing.DebouncedTask
	pending atomic.Int64
	// hasRemote is set once the remote row holds content from this session's point of view.
	hasRemote atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	flushMu sync.Mutex

	mu          sync.Mutex
	settle      timing.Timer
	unsubscribe func()
}

func New(owner string, store usecase.DocumentStore, canvas *usecase.CanvasUsecase, sink usecase.EventSink, opts Options) *Engine {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		owner:   owner,
		store:   store,
		canvas:  canvas,
		sink:    sink,
		opts:    opts,
		machine: NewMachine(),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.task = timing.NewDebouncedTask(opts.Clock, opts.Quiet, opts.MinInterval, e.machine.CanFlush, e.scheduledFlush)
	return e
}

// Start hydrates the document from the remote row and begins watching for edits.
// Hydration failures are logged and the session continues as a fresh document.
// The session outlives the caller, so cancelling ctx does not abort hydration; Stop does.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.machine.Fire(EventHydrationStarted); err != nil {
		return err
	}
	e.emit(ctx, domain.Event{Type: domain.EventHydrationStarted})

	unsubscribe := e.store.Subscribe(e.onChange, domain.ChangeFilter{
		Origin: domain.OriginUser,
		Scope:  domain.ScopeDocument,
	})
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.ctx, cancel)
	e.hydrate(hctx)
	stop()
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine.State() == StateStopped {
		return domain.ErrSessionClosed
	}
	e.settle = e.opts.Clock.AfterFunc(e.opts.Settle, e.onSettled)
	return nil
}

func (e *Engine) hydrate(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "Engine.Hydrate")
	defer span.End()
	span.SetAttributes(attribute.String("owner", e.owner))

	defer func() {
		if err := e.machine.Fire(EventHydrationFinished); err != nil {
			slog.DebugContext(ctx, "hydration finished after stop", slog.String("owner", e.owner), slog.String("module", "engine"))
		}
	}()

	state, err := e.canvas.Load(ctx, e.owner)
	if e.ctx.Err() != nil {
		// stopped while loading
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		slog.InfoContext(ctx, "no saved canvas, starting fresh", slog.String("owner", e.owner), slog.String("module", "engine"))
		e.emit(ctx, domain.Event{Type: domain.EventHydrationEmpty})
		return
	}
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(
			ctx, "failed to load canvas",
			slog.String("error", err.Error()),
			slog.String("owner", e.owner),
			slog.String("module", "engine"),
		)
		e.emit(ctx, domain.Event{Type: domain.EventHydrationFailed, Error: err.Error()})
		return
	}

	if err := snapshot.Validate(state.Data); err != nil {
		slog.WarnContext(
			ctx, "discarding invalid saved canvas",
			slog.String("error", err.Error()),
			slog.String("owner", e.owner),
			slog.String("module", "engine"),
		)
		e.emit(ctx, domain.Event{Type: domain.EventHydrationDiscarded, Error: err.Error()})
		return
	}

	assets, entities := snapshot.Replay(state.Data)
	e.store.LoadAssets(assets, domain.OriginRemote)
	e.store.LoadEntities(entities, domain.OriginRemote)
	if len(entities) > 0 {
		e.hasRemote.Store(true)
	}

	slog.InfoContext(
		ctx, "canvas hydrated",
		slog.String("owner", e.owner),
		slog.String("contents", snapshot.Describe(state.Data)),
		slog.String("module", "engine"),
	)
	e.emit(ctx, domain.Event{
		Type: domain.EventHydrationLoaded,
		Detail: map[string]any{
			"entities": len(entities),
			"assets":   len(assets),
		},
	})
}

func (e *Engine) onSettled() {
	if err := e.machine.Fire(EventSettleElapsed); err != nil {
		return
	}
	e.emit(e.ctx, domain.Event{Type: domain.EventEngineReady})
}

func (e *Engine) onChange(b domain.ChangeBatch) {
	if !b.TouchesEntities() {
		return
	}
	if err := e.machine.Fire(EventChangeDetected); err != nil {
		// hydrating or stopped
		return
	}
	n := e.pending.Add(1)
	slog.Debug("change detected", slog.String("owner", e.owner), slog.Int64("pending", n), slog.String("module", "engine"))
	e.task.Trigger()
}

func (e *Engine) scheduledFlush() {
	_ = e.flush(e.ctx)
}

// FlushNow persists the current document immediately. It is the manual retry path.
func (e *Engine) FlushNow(ctx context.Context) error {
	if !e.machine.CanFlush() {
		return ErrNotReady
	}
	e.task.Cancel()
	return e.flush(ctx)
}

func (e *Engine) flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	if !e.machine.CanFlush() {
		return ErrNotReady
	}

	ctx, span := tracer.Start(ctx, "Engine.Flush")
	defer span.End()

	captured := e.pending.Load()
	pkg := snapshot.Filter(e.store.Snapshot(), e.opts.Clock.Now())
	span.SetAttributes(
		attribute.String("owner", e.owner),
		attribute.Int("entities", pkg.Metadata.Counts.Entities),
	)

	if pkg.Empty() && !e.hasRemote.Load() {
		e.pending.Add(-captured)
		_ = e.machine.Fire(EventFlushSucceeded)
		slog.DebugContext(ctx, "nothing to persist", slog.String("owner", e.owner), slog.String("module", "engine"))
		e.emit(ctx, domain.Event{Type: domain.EventSaveSkipped})
		return nil
	}

	if err := e.canvas.Save(ctx, e.owner, pkg); err != nil {
		span.RecordError(err)
		_ = e.machine.Fire(EventFlushFailed)
		slog.ErrorContext(
			ctx, "failed to save canvas",
			slog.String("error", err.Error()),
			slog.String("owner", e.owner),
			slog.String("module", "engine"),
		)
		e.emit(ctx, domain.Event{Type: domain.EventSaveFailed, Error: err.Error()})
		return err
	}

	e.hasRemote.Store(true)
	if remaining := e.pending.Add(-captured); remaining > 0 {
		_ = e.machine.Fire(EventFlushSucceeded)
		_ = e.machine.Fire(EventChangeDetected)
	} else {
		_ = e.machine.Fire(EventFlushSucceeded)
	}

	e.emit(ctx, domain.Event{
		Type: domain.EventSaveSucceeded,
		Detail: map[string]any{
			"entities": pkg.Metadata.Counts.Entities,
			"assets":   pkg.Metadata.Counts.Assets,
			"changes":  captured,
		},
	})
	return nil
}

// Stop cancels pending work and unsubscribes from the store.
func (e *Engine) Stop() {
	_ = e.machine.Fire(EventStopped)
	e.task.Stop()
	e.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settle != nil {
		e.settle.Stop()
		e.settle = nil
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Engine) State() State { return e.machine.State() }
func (e *Engine) Ready() bool { return e.machine.Ready() }
func (e *Engine) Hydrating() bool { return e.machine.Hydrating() }
func (e *Engine) Pending() int64 { return e.pending.Load() }
func (e *Engine) Owner() string { return e.owner }
func (e *Engine) Scheduled() bool { return e.task.Scheduled() }

func (e *Engine) emit(ctx context.Context, ev domain.Event) {
	if e.sink == nil {
		return
	}
	ev.Owner = e.owner
	ev.At = e.opts.Clock.Now().UTC()
	e.sink.Emit(ctx, ev)
}
