package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/regreport/eclbatch/internal/checkpoint"
	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/repo/memory"
	"github.com/regreport/eclbatch/internal/service/approval"
	"github.com/regreport/eclbatch/internal/stream"
)

const testDate = domain.BusinessDate("2024-01-31")

type fakeStep struct {
	def   domain.StepDefinition
	fn    func(ctx context.Context, date domain.BusinessDate) (domain.StepOutcome, error)
	calls atomic.Int32
}

func (s *fakeStep) Definition() domain.StepDefinition { return s.def }

func (s *fakeStep) Execute(ctx context.Context, date domain.BusinessDate) (domain.StepOutcome, error) {
	s.calls.Add(1)
	return s.fn(ctx, date)
}

func finished(def domain.StepDefinition, status domain.StepStatus, output string, exitCode int) domain.StepOutcome {
	now := time.Now().UTC()
	return domain.StepOutcome{
		StepName:    def.Name,
		Description: def.Description,
		Status:      status,
		Output:      output,
		ExitCode:    exitCode,
		StartedAt:   now,
		FinishedAt:  &now,
	}
}

func def(name string) domain.StepDefinition {
	return domain.StepDefinition{Name: name, Description: "step " + name, ExecutableRef: "steps/" + name + ".py"}
}

func okStep(name string) *fakeStep {
	d := def(name)
	return &fakeStep{def: d, fn: func(context.Context, domain.BusinessDate) (domain.StepOutcome, error) {
		return finished(d, domain.StepSuccess, name+" done", 0), nil
	}}
}

func failStep(name, stderr string) *fakeStep {
	d := def(name)
	return &fakeStep{def: d, fn: func(context.Context, domain.BusinessDate) (domain.StepOutcome, error) {
		return finished(d, domain.StepFailed, stderr, 1), nil
	}}
}

func funcStep(name string, fn func(ctx context.Context, date domain.BusinessDate) error) *fakeStep {
	d := def(name)
	return &fakeStep{def: d, fn: func(ctx context.Context, date domain.BusinessDate) (domain.StepOutcome, error) {
		if err := fn(ctx, date); err != nil {
			return domain.StepOutcome{}, err
		}
		return finished(d, domain.StepSuccess, "", 0), nil
	}}
}

type harness struct {
	store *memory.Store
	cps   checkpoint.Store
	gw    *stream.Gateway
	orch  *Orchestrator
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, steps []*fakeStep, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.New(), steps, opts...)
}

func newHarnessWithStore(t *testing.T, store *memory.Store, steps []*fakeStep, opts ...harnessOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store: store,
		cps:   checkpoint.NewMemoryStore(),
		gw:    stream.NewGateway(64, logger),
	}
	list := make([]Step, 0, len(steps))
	for _, s := range steps {
		list = append(list, s)
	}
	d := Deps{
		Steps:        list,
		Keys:         h.store,
		Runs:         h.store,
		Checkpoints:  h.cps,
		Events:       h.gw,
		Logger:       logger,
		StoreTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&d)
	}
	orch, err := New(d)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	h.orch = orch
	return h
}

func collect(t *testing.T, sub *stream.Subscription) []stream.Event {
	t.Helper()
	var out []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream not finished, got %d events", len(out))
		}
	}
}

func wait(t *testing.T, inv *Invocation) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := inv.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() err=%v", err)
	}
	return res
}

func countTypes(events []stream.Event) map[stream.EventType]int {
	out := map[stream.EventType]int{}
	for _, ev := range events {
		out[ev.Type]++
	}
	return out
}

func TestScenarioA_AllStepsSucceed(t *testing.T) {
	h := newHarness(t, []*fakeStep{okStep("s1"), okStep("s2"), okStep("s3")})
	h.store.AddRunKey(7)

	inv, sub, err := h.orch.StartObserved(context.Background(), testDate)
	if err != nil {
		t.Fatalf("StartObserved() err=%v", err)
	}
	events := collect(t, sub)
	res := wait(t, inv)

	if !res.Success || res.State != domain.StateCompleted || res.Err != nil {
		t.Fatalf("Result=%+v, want completed", res)
	}
	rec, err := h.store.GetRun(context.Background(), 7)
	if err != nil || rec.Status != domain.RunStatusSuccess {
		t.Fatalf("run 7=%+v,%v, want Success", rec, err)
	}
	cp, err := h.cps.Read(context.Background(), testDate)
	if err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	if len(cp.Outcomes) != 3 {
		t.Fatalf("checkpoint outcomes=%d, want 3", len(cp.Outcomes))
	}
	for _, o := range cp.Outcomes {
		if o.Status != domain.StepSuccess {
			t.Fatalf("checkpoint outcome %s=%s, want Success", o.StepName, o.Status)
		}
	}

	counts := countTypes(events)
	if counts[stream.EventStep] != 3 || counts[stream.EventCompleted] != 1 {
		t.Fatalf("events=%v, want 3 step + 1 completed", counts)
	}
	if counts[stream.EventInitializing] != 1 || counts[stream.EventStepStarted] != 3 {
		t.Fatalf("events=%v, want 1 initializing + 3 step_started", counts)
	}
	if last := events[len(events)-1]; last.Type != stream.EventCompleted || last.RunKey != 7 {
		t.Fatalf("last event=%+v, want completed for run 7", last)
	}
}

func TestScenarioB_HaltsOnFailure(t *testing.T) {
	s3 := okStep("s3")
	h := newHarness(t, []*fakeStep{okStep("s1"), failStep("s2", "bad input"), s3})
	h.store.AddRunKey(7)

	inv, sub, err := h.orch.StartObserved(context.Background(), testDate)
	if err != nil {
		t.Fatalf("StartObserved() err=%v", err)
	}
	events := collect(t, sub)
	res := wait(t, inv)

	if res.Success || res.State != domain.StateFailed || !errors.Is(res.Err, ErrStepFailed) {
		t.Fatalf("Result=%+v, want failed with ErrStepFailed", res)
	}
	if s3.calls.Load() != 0 {
		t.Fatalf("s3 invoked %d times, want 0", s3.calls.Load())
	}
	cp, err := h.cps.Read(context.Background(), testDate)
	if err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	if len(cp.Outcomes) != 2 {
		t.Fatalf("checkpoint outcomes=%d, want 2", len(cp.Outcomes))
	}
	if cp.Outcomes[0].Status != domain.StepSuccess {
		t.Fatalf("s1=%s, want Success", cp.Outcomes[0].Status)
	}
	if cp.Outcomes[1].Status != domain.StepFailed || cp.Outcomes[1].Output != "bad input" {
		t.Fatalf("s2=%+v, want Failed with bad input", cp.Outcomes[1])
	}
	rec, _ := h.store.GetRun(context.Background(), 7)
	if rec.Status != domain.RunStatusFailed {
		t.Fatalf("run status=%s, want Failed", rec.Status)
	}

	counts := countTypes(events)
	if counts[stream.EventStep] != 2 || counts[stream.EventFailed] != 1 || counts[stream.EventCompleted] != 0 {
		t.Fatalf("events=%v, want 2 step + 1 failed", counts)
	}
	if last := events[len(events)-1]; last.Type != stream.EventFailed {
		t.Fatalf("last event=%s, want failed", last.Type)
	}
}

func TestScenarioC_NoRunKey(t *testing.T) {
	s1 := okStep("s1")
	h := newHarness(t, []*fakeStep{s1})

	res, err := h.orch.Run(context.Background(), testDate)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if res.State != domain.StateError || !errors.Is(res.Err, ErrNoRunKey) {
		t.Fatalf("Result=%+v, want error state with ErrNoRunKey", res)
	}
	if _, err := h.cps.Read(context.Background(), testDate); !errors.Is(err, checkpoint.ErrNoProgress) {
		t.Fatalf("Read() err=%v, want ErrNoProgress", err)
	}
	if n := len(h.store.Upserts()); n != 0 {
		t.Fatalf("upserts=%d, want 0", n)
	}
	if s1.calls.Load() != 0 {
		t.Fatalf("s1 invoked")
	}
}

func TestSequencing(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) *fakeStep {
		return funcStep(name, func(context.Context, domain.BusinessDate) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}
	h := newHarness(t, []*fakeStep{record("a"), record("b"), record("c"), record("d")})
	h.store.AddRunKey(1)

	res, err := h.orch.Run(context.Background(), testDate)
	if err != nil || !res.Success {
		t.Fatalf("Run()=%+v,%v, want success", res, err)
	}
	if got := strings.Join(order, ","); got != "a,b,c,d" {
		t.Fatalf("order=%s, want a,b,c,d", got)
	}
	for i, o := range res.Outcomes {
		if o.StepName != order[i] {
			t.Fatalf("outcome %d=%s, want %s", i, o.StepName, order[i])
		}
	}
	steps := h.orch.Steps()
	if len(steps) != 4 || steps[0].Name != "a" {
		t.Fatalf("Steps()=%v", steps)
	}
}

func TestCheckpointDurableMidPipeline(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocker := funcStep("s2", func(context.Context, domain.BusinessDate) error {
		close(entered)
		<-release
		return nil
	})
	h := newHarness(t, []*fakeStep{okStep("s1"), blocker, okStep("s3")})
	h.store.AddRunKey(3)

	inv, err := h.orch.Start(context.Background(), testDate)
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("s2 never started")
	}

	cp, err := h.cps.Read(context.Background(), testDate)
	if err != nil {
		t.Fatalf("Read() mid pipeline err=%v", err)
	}
	if len(cp.Outcomes) != 1 || cp.Outcomes[0].StepName != "s1" || cp.Outcomes[0].Status != domain.StepSuccess {
		t.Fatalf("mid pipeline checkpoint=%+v, want only s1 Success", cp.Outcomes)
	}
	rec, err := h.store.GetRun(context.Background(), 3)
	if err != nil || rec.Status != domain.RunStatusRunning {
		t.Fatalf("run mid pipeline=%+v,%v, want Running", rec, err)
	}
	if !h.orch.InFlight(testDate) {
		t.Fatalf("InFlight() = false mid pipeline")
	}

	close(release)
	if res := wait(t, inv); !res.Success {
		t.Fatalf("Result=%+v, want success", res)
	}
	if h.orch.InFlight(testDate) {
		t.Fatalf("InFlight() = true after finish")
	}
}

func TestIdempotentRerun(t *testing.T) {
	fail := true
	flaky := funcStep("s2", func(context.Context, domain.BusinessDate) error {
		if fail {
			return errors.New("transient")
		}
		return nil
	})
	h := newHarness(t, []*fakeStep{okStep("s1"), flaky, okStep("s3")})
	h.store.AddRunKey(5)
	ctx := context.Background()

	first, err := h.orch.Run(ctx, testDate)
	if err != nil || first.State != domain.StateFailed {
		t.Fatalf("first Run()=%+v,%v, want failed", first, err)
	}
	if first.Outcomes[1].Status != domain.StepError || first.Outcomes[1].ExitCode != -1 {
		t.Fatalf("s2 outcome=%+v, want Error with exit -1", first.Outcomes[1])
	}

	fail = false
	second, err := h.orch.Run(ctx, testDate)
	if err != nil || !second.Success {
		t.Fatalf("second Run()=%+v,%v, want success", second, err)
	}
	cp, _ := h.cps.Read(ctx, testDate)
	if len(cp.Outcomes) != 3 {
		t.Fatalf("checkpoint outcomes=%d, want 3 (reset on rerun)", len(cp.Outcomes))
	}
	runs, _ := h.store.ListRunsByDate(ctx, testDate)
	if len(runs) != 1 || runs[0].Status != domain.RunStatusSuccess {
		t.Fatalf("runs=%+v, want one Success record", runs)
	}
}

func TestSameDateExcluded(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	blocker := funcStep("s1", func(context.Context, domain.BusinessDate) error {
		entered <- struct{}{}
		<-release
		return nil
	})
	h := newHarness(t, []*fakeStep{blocker})
	h.store.AddRunKey(1)
	ctx := context.Background()

	inv, err := h.orch.Start(ctx, testDate)
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	<-entered
	if _, err := h.orch.Start(ctx, testDate); !errors.Is(err, ErrPipelineInFlight) {
		t.Fatalf("second Start() err=%v, want ErrPipelineInFlight", err)
	}
	if _, _, err := h.orch.StartObserved(ctx, testDate); !errors.Is(err, ErrPipelineInFlight) {
		t.Fatalf("StartObserved() err=%v, want ErrPipelineInFlight", err)
	}
	close(release)
	wait(t, inv)

	go func() { <-entered }()
	again, err := h.orch.Start(ctx, testDate)
	if err != nil {
		t.Fatalf("Start() after finish err=%v", err)
	}
	wait(t, again)
}

func TestDifferentDatesConcurrent(t *testing.T) {
	entered := make(chan domain.BusinessDate, 2)
	release := make(chan struct{})
	blocker := funcStep("s1", func(ctx context.Context, date domain.BusinessDate) error {
		entered <- date
		<-release
		return nil
	})
	h := newHarness(t, []*fakeStep{blocker})
	h.store.AddRunKey(1)
	ctx := context.Background()

	a, err := h.orch.Start(ctx, "2024-01-31")
	if err != nil {
		t.Fatalf("Start(a) err=%v", err)
	}
	b, err := h.orch.Start(ctx, "2024-02-29")
	if err != nil {
		t.Fatalf("Start(b) err=%v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 2 dates running concurrently", i)
		}
	}
	close(release)
	if !wait(t, a).Success || !wait(t, b).Success {
		t.Fatalf("both dates should succeed")
	}
}

func TestObserverDisconnectDoesNotCancel(t *testing.T) {
	release := make(chan struct{})
	var cancelled atomic.Bool
	blocker := funcStep("s2", func(ctx context.Context, _ domain.BusinessDate) error {
		<-release
		cancelled.Store(ctx.Err() != nil)
		return nil
	})
	h := newHarness(t, []*fakeStep{okStep("s1"), blocker})
	h.store.AddRunKey(2)

	inv, sub, err := h.orch.StartObserved(context.Background(), testDate)
	if err != nil {
		t.Fatalf("StartObserved() err=%v", err)
	}
	sub.Close()
	close(release)

	res := wait(t, inv)
	if !res.Success || cancelled.Load() {
		t.Fatalf("Result=%+v cancelled=%v, want success without cancellation", res, cancelled.Load())
	}
}

func TestSlowObserverDoesNotBlock(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := newHarness(t, []*fakeStep{okStep("s1"), okStep("s2"), okStep("s3")}, func(d *Deps) {
		d.Events = stream.NewGateway(1, logger)
	})
	h.store.AddRunKey(2)

	inv, sub, err := h.orch.StartObserved(context.Background(), testDate)
	if err != nil {
		t.Fatalf("StartObserved() err=%v", err)
	}
	res := wait(t, inv)
	if !res.Success {
		t.Fatalf("Result=%+v, want success", res)
	}
	if !sub.Dropped() {
		t.Fatalf("unread observer should have been dropped")
	}
}

func TestRunKeyChangeMidPipeline(t *testing.T) {
	store := memory.New()
	// Steps may create a new run key, as the calculation steps do.
	bump := funcStep("s2", func(context.Context, domain.BusinessDate) error {
		store.AddRunKey(8)
		return nil
	})
	h := newHarnessWithStore(t, store, []*fakeStep{okStep("s1"), bump, okStep("s3")})
	h.store.AddRunKey(7)

	res, err := h.orch.Run(context.Background(), testDate)
	if err != nil || !res.Success {
		t.Fatalf("Run()=%+v,%v, want success", res, err)
	}
	if res.RunKey != 7 || res.FinalRunKey != 8 {
		t.Fatalf("keys=%d->%d, want 7->8", res.RunKey, res.FinalRunKey)
	}
	initial, _ := h.store.GetRun(context.Background(), 7)
	final, _ := h.store.GetRun(context.Background(), 8)
	if initial.Status != domain.RunStatusRunning {
		t.Fatalf("initiating record=%s, want it left Running", initial.Status)
	}
	if final.Status != domain.RunStatusSuccess {
		t.Fatalf("final record=%s, want Success", final.Status)
	}
}

type failingCheckpoints struct {
	checkpoint.Store
	failOn int
	n      int
}

func (f *failingCheckpoints) Write(ctx context.Context, cp domain.Checkpoint) error {
	f.n++
	if f.n == f.failOn {
		return errors.New("disk full")
	}
	return f.Store.Write(ctx, cp)
}

func TestReusedRunKeyDoesNotCarryApproval(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	approvedAt := time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)
	store.PutRun(domain.RunRecord{RunKey: 4, Date: "2024-01-02", Status: domain.RunStatusSuccess, Approved: true, ApprovedBy: "alice", ApprovedAt: &approvedAt})
	store.PutRun(domain.RunRecord{RunKey: 5, Date: "2024-01-01", Status: domain.RunStatusSuccess, Approved: true, ApprovedBy: "alice", ApprovedAt: &approvedAt})
	store.AddRunKey(5)

	h := newHarnessWithStore(t, store, []*fakeStep{okStep("s1")})
	res, err := h.orch.Run(ctx, "2024-01-02")
	if err != nil || !res.Success {
		t.Fatalf("Run()=%+v err=%v", res, err)
	}

	approvedOn := func(date domain.BusinessDate) []int64 {
		runs, err := store.ListRunsByDate(ctx, date)
		if err != nil {
			t.Fatalf("ListRunsByDate() err=%v", err)
		}
		var out []int64
		for _, r := range runs {
			if r.Approved {
				out = append(out, r.RunKey)
			}
		}
		return out
	}
	if got := approvedOn("2024-01-02"); len(got) != 1 || got[0] != 4 {
		t.Fatalf("approved runs for 2024-01-02=%v, want [4]", got)
	}
	rec, _ := store.GetRun(ctx, 5)
	if rec.Date != "2024-01-02" || rec.Status != domain.RunStatusSuccess || rec.Approved {
		t.Fatalf("run 5=%+v, want unapproved Success on 2024-01-02", rec)
	}

	svc := approval.New(store, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := svc.SetApproval(ctx, 5, true, approval.AuditInfo{Actor: "bob"}); err != nil {
		t.Fatalf("SetApproval() err=%v", err)
	}
	if got := approvedOn("2024-01-02"); len(got) != 1 || got[0] != 5 {
		t.Fatalf("approved runs for 2024-01-02=%v, want [5]", got)
	}

	if _, err := h.orch.Run(ctx, "2024-01-02"); err != nil {
		t.Fatalf("rerun err=%v", err)
	}
	if got := approvedOn("2024-01-02"); len(got) != 0 {
		t.Fatalf("approved runs after rerun=%v, want none", got)
	}
}

func TestCheckpointWriteFailure(t *testing.T) {
	s2 := okStep("s2")
	cps := &failingCheckpoints{Store: checkpoint.NewMemoryStore(), failOn: 2}
	h := newHarness(t, []*fakeStep{okStep("s1"), s2}, func(d *Deps) { d.Checkpoints = cps })
	h.store.AddRunKey(4)

	res, err := h.orch.Run(context.Background(), testDate)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if res.State != domain.StateError || res.Err == nil || !strings.Contains(res.Err.Error(), "disk full") {
		t.Fatalf("Result=%+v, want error state mentioning disk full", res)
	}
	if s2.calls.Load() != 0 {
		t.Fatalf("s2 ran after checkpoint failure")
	}
	rec, _ := h.store.GetRun(context.Background(), 4)
	if rec.Status != domain.RunStatusFailed {
		t.Fatalf("run status=%s, want Failed", rec.Status)
	}
}

func TestResetCheckpointFailureLeavesNoRecord(t *testing.T) {
	cps := &failingCheckpoints{Store: checkpoint.NewMemoryStore(), failOn: 1}
	h := newHarness(t, []*fakeStep{okStep("s1")}, func(d *Deps) { d.Checkpoints = cps })
	h.store.AddRunKey(4)

	res, _ := h.orch.Run(context.Background(), testDate)
	if res.State != domain.StateError {
		t.Fatalf("State=%s, want error", res.State)
	}
	if len(h.store.Upserts()) != 0 {
		t.Fatalf("upserts=%v, want none", h.store.Upserts())
	}
}

func TestCancellationMarksFailed(t *testing.T) {
	entered := make(chan struct{})
	blocker := funcStep("s1", func(ctx context.Context, _ domain.BusinessDate) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(t, []*fakeStep{blocker, okStep("s2")})
	h.store.AddRunKey(6)

	ctx, cancel := context.WithCancel(context.Background())
	inv, err := h.orch.Start(ctx, testDate)
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	<-entered
	cancel()

	res := wait(t, inv)
	if res.State != domain.StateFailed {
		t.Fatalf("State=%s, want failed", res.State)
	}
	if res.Outcomes[0].Status != domain.StepError {
		t.Fatalf("outcome=%s, want Error", res.Outcomes[0].Status)
	}
	rec, _ := h.store.GetRun(context.Background(), 6)
	if rec.Status != domain.RunStatusFailed {
		t.Fatalf("run status=%s, want Failed", rec.Status)
	}
}

func TestDrainWaitsForFailedRecord(t *testing.T) {
	entered := make(chan struct{})
	blocker := funcStep("s1", func(ctx context.Context, _ domain.BusinessDate) error {
		close(entered)
		<-ctx.Done()
		// a killed process group takes a moment to be reaped
		time.Sleep(100 * time.Millisecond)
		return ctx.Err()
	})
	h := newHarness(t, []*fakeStep{blocker, okStep("s2")})
	h.store.AddRunKey(8)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := h.orch.Start(ctx, testDate); err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	<-entered
	cancel()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	if err := h.orch.Drain(drainCtx); err != nil {
		t.Fatalf("Drain() err=%v", err)
	}

	upserts := h.store.Upserts()
	if len(upserts) == 0 || upserts[len(upserts)-1].Status != domain.RunStatusFailed {
		t.Fatalf("upserts=%+v, want trailing Failed before Drain returns", upserts)
	}
	if h.orch.InFlight(testDate) {
		t.Fatalf("date still in flight after Drain")
	}
	if _, err := h.orch.Start(context.Background(), "2024-02-29"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Start() after Drain err=%v, want ErrShuttingDown", err)
	}
}

func TestDrainTimesOut(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	blocker := funcStep("s1", func(context.Context, domain.BusinessDate) error {
		close(entered)
		<-release
		return nil
	})
	h := newHarness(t, []*fakeStep{blocker})
	h.store.AddRunKey(9)

	inv, err := h.orch.Start(context.Background(), testDate)
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	<-entered

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelDrain()
	if err := h.orch.Drain(drainCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain() err=%v, want deadline exceeded", err)
	}
	close(release)
	if res := wait(t, inv); res.State != domain.StateCompleted {
		t.Fatalf("State=%s, want completed", res.State)
	}
}

func TestAdvanceRefusesInvalidTransition(t *testing.T) {
	rc := &RunContext{State: domain.StateNotStarted}
	if err := rc.advance(domain.StateRunningStep); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("advance(running_step) err=%v, want ErrBadTransition", err)
	}
	if rc.State != domain.StateNotStarted {
		t.Fatalf("State=%s, want unchanged", rc.State)
	}

	rc.State = domain.StateCompleted
	if err := rc.advance(domain.StateError); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("advance(error) from completed err=%v, want ErrBadTransition", err)
	}
	if rc.State != domain.StateCompleted {
		t.Fatalf("State=%s, want completed", rc.State)
	}
}

func TestAbortFromTerminalStateIsForced(t *testing.T) {
	h := newHarness(t, []*fakeStep{okStep("s1")})
	rc := &RunContext{Date: testDate, State: domain.StateCompleted, Outcomes: []domain.StepOutcome{}}

	res := h.orch.abortWith(rc, 3, ErrNoRunKey)
	if res.State != domain.StateError {
		t.Fatalf("State=%s, want error", res.State)
	}
	if !errors.Is(res.Err, ErrNoRunKey) || !errors.Is(res.Err, ErrBadTransition) {
		t.Fatalf("err=%v, want both cause and refused transition", res.Err)
	}
}

func TestStart_InvalidDate(t *testing.T) {
	h := newHarness(t, []*fakeStep{okStep("s1")})
	if _, err := h.orch.Start(context.Background(), "31.01.2024"); err == nil {
		t.Fatalf("Start(invalid) expected error")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{}); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("New() err=%v, want ErrNoSteps", err)
	}
	if _, err := New(Deps{Steps: []Step{okStep("s1")}}); err == nil {
		t.Fatalf("New() without stores expected error")
	}
}

func TestResult_MarshalJSON(t *testing.T) {
	raw, err := json.Marshal(Result{Date: testDate, RunKey: 1, State: domain.StateError, Err: ErrNoRunKey})
	if err != nil {
		t.Fatalf("Marshal() err=%v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() err=%v", err)
	}
	if got["error"] != ErrNoRunKey.Error() || got["state"] != "error" {
		t.Fatalf("json=%s", raw)
	}
	if outcomes, ok := got["outcomes"].([]any); !ok || len(outcomes) != 0 {
		t.Fatalf("outcomes=%v, want empty list", got["outcomes"])
	}
}
