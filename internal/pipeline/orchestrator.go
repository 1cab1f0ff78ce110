package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/regreport/eclbatch/internal/checkpoint"
	"github.com/regreport/eclbatch/internal/datelock"
	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/repo"
	"github.com/regreport/eclbatch/internal/stream"
)

const tracerName = "github.com/regreport/eclbatch/internal/pipeline"

type Deps struct {
	Steps       []Step
	Keys        repo.RunKeyResolver
	Runs        RunRecorder
	Checkpoints checkpoint.Store
	Events      EventSink
	Locker      datelock.Locker
	Logger      *slog.Logger
	Tracer      trace.Tracer
	// StoreTimeout bounds every checkpoint and database call; zero means none.
	StoreTimeout time.Duration
	Now          func() time.Time
}

type Orchestrator struct {
	steps        []Step
	keys         repo.RunKeyResolver
	runs         RunRecorder
	checkpoints  checkpoint.Store
	events       EventSink
	locker       datelock.Locker
	logger       *slog.Logger
	tracer       trace.Tracer
	storeTimeout time.Duration
	now          func() time.Time

	mu       sync.Mutex
	active   map[domain.BusinessDate]*Invocation
	running  map[*Invocation]struct{}
	draining bool
}

func New(d Deps) (*Orchestrator, error) {
	if len(d.Steps) == 0 {
		return nil, ErrNoSteps
	}
	if d.Keys == nil {
		return nil, errors.New("run key resolver is required")
	}
	if d.Runs == nil {
		return nil, errors.New("run recorder is required")
	}
	if d.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if d.Events == nil {
		return nil, errors.New("event sink is required")
	}
	if d.Locker == nil {
		d.Locker = datelock.NewLocal()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		steps:        append([]Step(nil), d.Steps...),
		keys:         d.Keys,
		runs:         d.Runs,
		checkpoints:  d.Checkpoints,
		events:       d.Events,
		locker:       d.Locker,
		logger:       d.Logger,
		tracer:       d.Tracer,
		storeTimeout: d.StoreTimeout,
		now:          d.Now,
		active:       map[domain.BusinessDate]*Invocation{},
		running:      map[*Invocation]struct{}{},
	}, nil
}

func (o *Orchestrator) Steps() []domain.StepDefinition {
	out := make([]domain.StepDefinition, 0, len(o.steps))
	for _, s := range o.steps {
		out = append(out, s.Definition())
	}
	return out
}

// InFlight reports whether an invocation of date is still running.
func (o *Orchestrator) InFlight(date domain.BusinessDate) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[date]
	return ok
}

// Start launches the pipeline of date on its own goroutine. The invocation
// runs on ctx; callers that must not tie it to a request pass a detached
// context.
func (o *Orchestrator) Start(ctx context.Context, date domain.BusinessDate) (*Invocation, error) {
	inv, err := o.begin(ctx, date)
	if err != nil {
		return nil, err
	}
	go o.run(ctx, inv)
	return inv, nil
}

// StartObserved is Start with a subscription registered before the first
// event is published.
func (o *Orchestrator) StartObserved(ctx context.Context, date domain.BusinessDate) (*Invocation, *stream.Subscription, error) {
	inv, err := o.begin(ctx, date)
	if err != nil {
		return nil, nil, err
	}
	sub := o.events.Subscribe(date)
	go o.run(ctx, inv)
	return inv, sub, nil
}

// Run executes the pipeline and waits for its result.
func (o *Orchestrator) Run(ctx context.Context, date domain.BusinessDate) (Result, error) {
	inv, err := o.Start(ctx, date)
	if err != nil {
		return Result{}, err
	}
	<-inv.Done()
	return inv.Result(), nil
}

func (o *Orchestrator) begin(ctx context.Context, date domain.BusinessDate) (*Invocation, error) {
	if !date.Valid() {
		return nil, fmt.Errorf("invalid business date %q", date)
	}
	o.mu.Lock()
	draining := o.draining
	o.mu.Unlock()
	if draining {
		return nil, ErrShuttingDown
	}
	lease, err := o.locker.Acquire(ctx, date)
	if err != nil {
		if errors.Is(err, datelock.ErrHeld) {
			return nil, fmt.Errorf("%w: %s", ErrPipelineInFlight, date)
		}
		return nil, fmt.Errorf("acquire date lock: %w", err)
	}
	inv := &Invocation{date: date, lease: lease, done: make(chan struct{})}
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		o.releaseLease(inv)
		return nil, ErrShuttingDown
	}
	o.active[date] = inv
	o.running[inv] = struct{}{}
	o.mu.Unlock()
	return inv, nil
}

// Drain stops new invocations and waits until every started one has recorded
// its terminal status and released its date lock. Cancel the context the
// pipelines run on first so running steps are killed rather than awaited.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	for {
		o.mu.Lock()
		pending := make([]*Invocation, 0, len(o.running))
		for inv := range o.running {
			pending = append(pending, inv)
		}
		o.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		for _, inv := range pending {
			select {
			case <-inv.done:
			case <-ctx.Done():
				return fmt.Errorf("drain with %d pipelines running: %w", len(pending), ctx.Err())
			}
		}
	}
}

// end publishes the result. Observers are closed before the lock is
// released so a following invocation never shares them.
func (o *Orchestrator) end(inv *Invocation, res Result) {
	o.mu.Lock()
	delete(o.active, inv.date)
	o.mu.Unlock()

	o.events.Finish(inv.date)
	o.releaseLease(inv)

	inv.result = res
	o.mu.Lock()
	delete(o.running, inv)
	o.mu.Unlock()
	close(inv.done)
}

func (o *Orchestrator) releaseLease(inv *Invocation) {
	ctx, cancel := o.storeContext(context.Background())
	defer cancel()
	if err := inv.lease.Release(ctx); err != nil {
		o.logger.Warn("date lock release failed", "date", inv.date.String(), "error", err)
	}
}

func (o *Orchestrator) run(ctx context.Context, inv *Invocation) {
	rc := &RunContext{
		Date:     inv.date,
		State:    domain.StateNotStarted,
		Total:    len(o.steps),
		Outcomes: []domain.StepOutcome{},
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("ecl.date", rc.Date.String()),
		attribute.Int("ecl.steps", rc.Total),
	))
	res := o.execute(ctx, rc)
	span.SetAttributes(
		attribute.Int64("ecl.run_key", res.RunKey),
		attribute.Int64("ecl.final_run_key", res.FinalRunKey),
		attribute.String("ecl.state", string(res.State)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.State))
	}
	span.End()

	logger := o.logger.With("date", rc.Date.String(), "run_key", res.RunKey, "state", string(res.State))
	if res.Err != nil {
		logger.Error("pipeline finished", "final_run_key", res.FinalRunKey, "error", res.Err)
	} else {
		logger.Info("pipeline finished", "final_run_key", res.FinalRunKey)
	}
	o.end(inv, res)
}

func (o *Orchestrator) execute(ctx context.Context, rc *RunContext) Result {
	if err := rc.advance(domain.StateInitializing); err != nil {
		return o.abort(rc, err)
	}
	o.logger.Info("pipeline started", "date", rc.Date.String(), "steps", rc.Total)
	o.emit(rc, stream.EventInitializing, nil, "")

	key, ok, err := o.resolveRunKey(ctx)
	if err != nil {
		return o.abort(rc, fmt.Errorf("resolve run key: %w", err))
	}
	if !ok {
		return o.abort(rc, ErrNoRunKey)
	}
	rc.RunKey = key

	if err := o.writeCheckpoint(ctx, rc); err != nil {
		return o.abort(rc, fmt.Errorf("reset checkpoint: %w", err))
	}
	if err := o.upsert(ctx, rc.RunKey, rc.Date, domain.RunStatusRunning); err != nil {
		return o.abort(rc, fmt.Errorf("mark run running: %w", err))
	}

	for i, step := range o.steps {
		if err := rc.advance(domain.StateRunningStep); err != nil {
			final, markErr := o.finalize(ctx, rc, domain.RunStatusFailed)
			return o.abortWith(rc, final, errors.Join(err, markErr))
		}
		rc.Index = i + 1
		outcome := o.runStep(ctx, rc, step)
		rc.Outcomes = append(rc.Outcomes, outcome)

		if err := o.writeCheckpoint(ctx, rc); err != nil {
			err = fmt.Errorf("write checkpoint after %s: %w", outcome.StepName, err)
			final, markErr := o.finalize(ctx, rc, domain.RunStatusFailed)
			return o.abortWith(rc, final, errors.Join(err, markErr))
		}
		o.emit(rc, stream.EventStep, &outcome, "")

		if outcome.Status != domain.StepSuccess {
			return o.fail(ctx, rc, outcome)
		}
	}

	final, err := o.finalize(ctx, rc, domain.RunStatusSuccess)
	if err != nil {
		return o.abortWith(rc, final, fmt.Errorf("mark run success: %w", err))
	}
	if err := rc.advance(domain.StateCompleted); err != nil {
		return o.abortWith(rc, final, err)
	}
	o.emit(rc, stream.EventCompleted, nil, "")
	return o.result(rc, final, nil)
}

func (o *Orchestrator) runStep(ctx context.Context, rc *RunContext, step Step) domain.StepOutcome {
	def := step.Definition()
	started := o.now()
	running := domain.RunningOutcome(def, started)
	o.emit(rc, stream.EventStepStarted, &running, "")

	ctx, span := o.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("ecl.step", def.Name),
		attribute.Int("ecl.step_index", rc.Index),
	))
	defer span.End()

	logger := o.logger.With("date", rc.Date.String(), "run_key", rc.RunKey, "step", def.Name)
	logger.Info("step started")

	var (
		outcome domain.StepOutcome
		err     error
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("pipeline cancelled: %w", ctxErr)
	} else {
		outcome, err = step.Execute(ctx, rc.Date)
	}
	if err != nil {
		outcome = domain.ErrorOutcome(def, started, o.now(), err)
	}
	if outcome.StepName == "" {
		outcome.StepName = def.Name
		outcome.Description = def.Description
	}

	span.SetAttributes(attribute.String("ecl.step_status", string(outcome.Status)), attribute.Int("ecl.exit_code", outcome.ExitCode))
	switch outcome.Status {
	case domain.StepSuccess:
		logger.Info("step finished", "status", string(outcome.Status))
	default:
		span.SetStatus(codes.Error, string(outcome.Status))
		if err != nil {
			span.RecordError(err)
		}
		logger.Warn("step finished", "status", string(outcome.Status), "exit_code", outcome.ExitCode, "error", err)
	}
	return outcome
}

func (o *Orchestrator) fail(ctx context.Context, rc *RunContext, outcome domain.StepOutcome) Result {
	final, err := o.finalize(ctx, rc, domain.RunStatusFailed)
	if err != nil {
		return o.abortWith(rc, final, fmt.Errorf("mark run failed: %w", err))
	}
	if err := rc.advance(domain.StateFailed); err != nil {
		return o.abortWith(rc, final, err)
	}
	cause := fmt.Errorf("%w: %s (%s)", ErrStepFailed, outcome.StepName, outcome.Status)
	o.emit(rc, stream.EventFailed, nil, cause.Error())
	return o.result(rc, final, cause)
}

// finalize re-resolves the run key, falling back to the initiating one, and
// records the terminal status under it.
func (o *Orchestrator) finalize(ctx context.Context, rc *RunContext, status domain.RunStatus) (int64, error) {
	final := rc.RunKey
	key, ok, err := o.resolveRunKey(ctx)
	switch {
	case err != nil:
		o.logger.Warn("run key re-resolve failed, keeping initial key", "date", rc.Date.String(), "run_key", rc.RunKey, "error", err)
	case ok:
		final = key
	}
	return final, o.upsert(ctx, final, rc.Date, status)
}

func (o *Orchestrator) abort(rc *RunContext, err error) Result {
	return o.abortWith(rc, rc.RunKey, err)
}

// abortWith ends the invocation in Error. Error is reachable from every
// non-terminal state; a refusal means the invocation already ended and is
// logged before the state is forced.
func (o *Orchestrator) abortWith(rc *RunContext, final int64, err error) Result {
	if advErr := rc.advance(domain.StateError); advErr != nil {
		o.logger.Error("pipeline state forced to error", "date", rc.Date.String(), "run_key", rc.RunKey, "error", advErr)
		rc.State = domain.StateError
		err = errors.Join(err, advErr)
	}
	o.emit(rc, stream.EventError, nil, err.Error())
	return o.result(rc, final, err)
}

func (o *Orchestrator) result(rc *RunContext, final int64, err error) Result {
	return Result{
		Date:        rc.Date,
		RunKey:      rc.RunKey,
		FinalRunKey: final,
		State:       rc.State,
		Success:     rc.State == domain.StateCompleted,
		Outcomes:    append([]domain.StepOutcome{}, rc.Outcomes...),
		Err:         err,
	}
}

func (o *Orchestrator) emit(rc *RunContext, typ stream.EventType, step *domain.StepOutcome, msg string) {
	ev := stream.NewEvent(typ, rc.Date, rc.State, o.now())
	ev.RunKey = rc.RunKey
	ev.Index = rc.Index
	ev.Total = rc.Total
	ev.Step = step
	ev.Message = msg
	o.events.Publish(rc.Date, ev)
}

func (o *Orchestrator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if o.storeTimeout > 0 {
		return context.WithTimeout(ctx, o.storeTimeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) resolveRunKey(ctx context.Context) (int64, bool, error) {
	ctx, cancel := o.storeContext(ctx)
	defer cancel()
	return o.keys.CurrentRunKey(ctx)
}

func (o *Orchestrator) writeCheckpoint(ctx context.Context, rc *RunContext) error {
	ctx, cancel := o.storeContext(ctx)
	defer cancel()
	return o.checkpoints.Write(ctx, domain.Checkpoint{
		Date:      rc.Date,
		RunKey:    rc.RunKey,
		Outcomes:  rc.Outcomes,
		UpdatedAt: o.now(),
	})
}

func (o *Orchestrator) upsert(ctx context.Context, runKey int64, date domain.BusinessDate, status domain.RunStatus) error {
	ctx, cancel := o.storeContext(ctx)
	defer cancel()
	return o.runs.UpsertRunStatus(ctx, runKey, date, status)
}
