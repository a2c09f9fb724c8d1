package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/roach88/compsync/internal/audit"
	"github.com/roach88/compsync/internal/clock"
	"github.com/roach88/compsync/internal/generator"
	"github.com/roach88/compsync/internal/lock"
	"github.com/roach88/compsync/internal/queue"
	"github.com/roach88/compsync/internal/rules"
	"github.com/roach88/compsync/internal/snapshot"
	"github.com/roach88/compsync/internal/store"
	"github.com/roach88/compsync/internal/syncer"
	"github.com/roach88/compsync/internal/testutil"
)

// Epoch is the fake clock's starting time in every scenario.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness is one scenario's wired engine.
type Harness struct {
	store  *store.Store
	clock  *clock.Fake
	seq    *testutil.Sequence
	pusher *testutil.RecordingPusher
	locks  *lock.Manager
	regens *queue.RegenerationQueue
	rules  *rules.Manager
	syncer *syncer.Syncer
}

// Run executes a scenario against a fresh database and returns the result.
//
// Execution flow:
//  1. Create a temporary database and wire the engine
//  2. Execute setup steps
//  3. Execute flow steps, checking expect clauses
//  4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "compsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(filepath.Join(dir, "harness.db"))
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{Store: h.store, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(dbPath string) (*Harness, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	clk := clock.NewFake(Epoch)
	snaps, err := snapshot.New(afero.NewMemMapFs(), "/snapshots")
	if err != nil {
		st.Close()
		return nil, err
	}

	locks := lock.NewManager(st, lock.WithClock(clk), lock.WithHolder("harness"))
	completions := queue.NewCompletionQueue(st, locks, clk, 3)
	regens := queue.NewRegenerationQueue(st, clk)
	pusher := testutil.NewRecordingPusher()

	s := syncer.New(syncer.Deps{
		Store:         st,
		Locks:         locks,
		Completions:   completions,
		Regenerations: regens,
		Generator:     generator.New(st, nil, generator.Options{BatchSize: 2}),
		Snapshots:     snaps,
		Remote:        pusher,
		Audit:         audit.NewRecorder(st, clk, 0),
		Clock:         clk,
	}, syncer.Options{
		// One tenant at a time keeps push order, and so the trace, deterministic.
		Concurrency: 1,
	})

	return &Harness{
		store:  st,
		clock:  clk,
		seq:    testutil.NewSequence(),
		pusher: pusher,
		locks:  locks,
		regens: regens,
		rules:  rules.NewManager(st, regens, clk),
		syncer: s,
	}, nil
}

// executeSetup runs every setup step. Any failure aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep, result *Result) error {
	for i, step := range setup {
		result.AddInvocationTrace(step.Action, step.Args, h.seq.Next())
		if err := setupActions[step.Action](ctx, h, step.Args); err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		result.AddCompletionTrace("ok", nil, h.seq.Next())
	}
	return nil
}

// executeFlow runs every flow step against the engine and checks the observed
// outcome against the step's expect clause.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		result.AddInvocationTrace(step.Invoke, step.Args, h.seq.Next())

		before := len(h.pusher.Calls())
		outcome, fields, err := flowActions[step.Invoke](ctx, h, step.Args)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}

		for _, p := range h.pusher.Since(before) {
			result.AddInvocationTrace("push", pushArgs(p), h.seq.Next())
		}
		result.AddCompletionTrace(outcome, fields, h.seq.Next())

		if step.Expect == nil {
			continue
		}
		if outcome != step.Expect.Case {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected case %q, got %q (result %v)",
				i, step.Invoke, step.Expect.Case, outcome, fields))
			continue
		}
		if !matchArgs(fields, step.Expect.Result) {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected result %v, got %v",
				i, step.Invoke, step.Expect.Result, fields))
		}
	}
	return nil
}

func pushArgs(p testutil.Push) map[string]interface{} {
	ids := make([]interface{}, len(p.Records))
	for i, id := range p.UniqueIDs() {
		ids[i] = id
	}
	return map[string]interface{}{
		"tenant_id":   int(p.TenantID),
		"resource_id": p.ResourceID,
		"records":     len(p.Records),
		"unique_ids":  ids,
	}
}
