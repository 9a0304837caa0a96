package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrun/internal/domain"
)

// fakeInvoker runs scripted calls. A call with a gate blocks until the gate
// is closed or ctx ends.
type fakeInvoker struct {
	mu         sync.Mutex
	safe       map[string]bool
	gates      map[string]chan struct{}
	results    map[string]*domain.ToolResult
	progress   map[string][]string
	panics     map[string]bool
	started    []string
	finished   []string
	turns      map[string]domain.TurnState
	running    int
	maxRunning int
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		safe:     map[string]bool{},
		gates:    map[string]chan struct{}{},
		results:  map[string]*domain.ToolResult{},
		progress: map[string][]string{},
		panics:   map[string]bool{},
		turns:    map[string]domain.TurnState{},
	}
}

func (f *fakeInvoker) IsConcurrencySafe(call domain.ToolCall) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.safe[call.ID]
}

func (f *fakeInvoker) Invoke(ctx context.Context, call domain.ToolCall, turn domain.TurnState, progress domain.ProgressFunc) *domain.ToolResult {
	f.mu.Lock()
	f.started = append(f.started, call.ID)
	f.turns[call.ID] = turn
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	gate := f.gates[call.ID]
	msgs := f.progress[call.ID]
	res := f.results[call.ID]
	shouldPanic := f.panics[call.ID]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.finished = append(f.finished, call.ID)
		f.mu.Unlock()
	}()

	for _, m := range msgs {
		progress(domain.ToolProgress{ToolCallID: call.ID, Message: m})
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &domain.ToolResult{Content: "interrupted", IsError: true, ErrorCode: domain.CodeCancelled}
		}
	}
	if shouldPanic {
		panic("invoker bug")
	}
	if res == nil {
		res = &domain.ToolResult{Content: "done " + call.ID}
	}
	return res
}

func (f *fakeInvoker) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.started)
}

func (f *fakeInvoker) finishedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.finished)
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func tc(id string) domain.ToolCall { return domain.ToolCall{ID: id, Name: "tool_" + id} }

func resultIDs(updates []Update) []string {
	var ids []string
	for _, u := range updates {
		if u.Kind == UpdateResult {
			ids = append(ids, u.ToolCallID)
		}
	}
	return ids
}

func waitingFor(updates []Update) map[string]int {
	out := map[string]int{}
	for _, u := range updates {
		if u.Kind == UpdateProgress && u.Progress.Message == waitingMessage {
			out[u.ToolCallID]++
		}
	}
	return out
}

func collectAsync(t *testing.T, s *Scheduler) <-chan []Update {
	t.Helper()
	ch := make(chan []Update, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		updates, err := s.Collect(ctx)
		assert.NoError(t, err)
		ch <- updates
	}()
	return ch
}

func TestScheduler_SafeCallsRunConcurrentlyResultsInOrder(t *testing.T) {
	inv := newFakeInvoker()
	for _, id := range []string{"A", "B", "C"} {
		inv.safe[id] = true
	}
	gate := make(chan struct{})
	inv.gates["A"] = gate

	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))
	s.AddCall(tc("B"))
	s.AddCall(tc("C"))
	done := collectAsync(t, s)

	require.Eventually(t, func() bool { return len(inv.finishedIDs()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"B", "C"}, inv.finishedIDs())
	assert.Empty(t, s.Results(), "B and C are withheld until A is yielded")

	close(gate)
	updates := <-done
	assert.Equal(t, []string{"A", "B", "C"}, resultIDs(updates))
	assert.Equal(t, 3, inv.maxRunning)
}

func TestScheduler_UnsafeCallIsABarrier(t *testing.T) {
	inv := newFakeInvoker()
	inv.safe["A"] = true
	inv.safe["C"] = true
	gateA := make(chan struct{})
	inv.gates["A"] = gateA

	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))
	s.AddCall(tc("B"))
	s.AddCall(tc("C"))
	done := collectAsync(t, s)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"A"}, inv.startedIDs(), "C must not overtake the blocked unsafe B")

	close(gateA)
	updates := <-done
	assert.Equal(t, []string{"A", "B", "C"}, inv.startedIDs())
	assert.Equal(t, []string{"A", "B", "C"}, inv.finishedIDs())
	assert.Equal(t, []string{"A", "B", "C"}, resultIDs(updates))
	assert.Equal(t, 1, inv.maxRunning)

	waits := waitingFor(updates)
	assert.Equal(t, 1, waits["B"], "one waiting update for the blocked call")
	assert.LessOrEqual(t, waits["C"], 1)
	assert.Zero(t, waits["A"])
}

func TestScheduler_SafeCallWaitsForRunningUnsafe(t *testing.T) {
	inv := newFakeInvoker()
	inv.safe["B"] = true
	gate := make(chan struct{})
	inv.gates["A"] = gate

	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))
	s.AddCall(tc("B"))
	done := collectAsync(t, s)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"A"}, inv.startedIDs())
	close(gate)
	assert.Equal(t, []string{"A", "B"}, resultIDs(<-done))
}

func TestScheduler_NoDuplicateYields(t *testing.T) {
	inv := newFakeInvoker()
	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))
	s.AddCall(tc("B"))

	first, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, resultIDs(first))

	second, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, s.Results(), 2)

	s.AddCall(tc("C"))
	third, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, resultIDs(third))
}

func TestScheduler_ProgressBeforeResult(t *testing.T) {
	inv := newFakeInvoker()
	inv.progress["A"] = []string{"one", "two"}
	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))

	updates, err := s.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 3)
	assert.Equal(t, UpdateProgress, updates[0].Kind)
	assert.Equal(t, "one", updates[0].Progress.Message)
	assert.Equal(t, "two", updates[1].Progress.Message)
	assert.Equal(t, UpdateResult, updates[2].Kind)
}

func TestScheduler_ProgressStreamsWhileRunning(t *testing.T) {
	inv := newFakeInvoker()
	inv.progress["A"] = []string{"started"}
	gate := make(chan struct{})
	inv.gates["A"] = gate
	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))

	got := make(chan Update, 4)
	go func() {
		_ = s.Drain(context.Background(), func(u Update) error {
			got <- u
			return nil
		})
	}()

	select {
	case u := <-got:
		assert.Equal(t, UpdateProgress, u.Kind)
		assert.Equal(t, "started", u.Progress.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("progress not delivered while the call was running")
	}
	close(gate)
	select {
	case u := <-got:
		assert.Equal(t, UpdateResult, u.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("result not delivered")
	}
}

func TestScheduler_SiblingFailureCancelsQueued(t *testing.T) {
	inv := newFakeInvoker()
	inv.results["A"] = &domain.ToolResult{Content: "exit 1", IsError: true, ErrorCode: domain.CodeToolFailure}
	bus := &recordingBus{}
	s := New(context.Background(), inv, domain.TurnState{}, WithEventBus(bus))
	s.AddCall(tc("A"))
	s.AddCall(tc("B"))

	updates, err := s.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, resultIDs(updates))
	assert.Equal(t, []string{"A"}, inv.startedIDs(), "B must not run")

	results := s.Results()
	assert.Equal(t, ReasonSiblingFailed, results[1].Content)
	assert.Equal(t, domain.CodeCancelled, results[1].ErrorCode)
	assert.True(t, results[1].IsError)
	assert.True(t, s.Errored())
	assert.Equal(t, 1, bus.count(domain.EventToolCallCancelled))
	assert.Equal(t, 2, bus.count(domain.EventToolCallQueued))
}

func TestScheduler_AbortBeforeStart(t *testing.T) {
	inv := newFakeInvoker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(ctx, inv, domain.TurnState{})
	s.AddCall(tc("A"))
	s.AddCall(tc("B"))

	updates, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, resultIDs(updates))
	assert.Empty(t, inv.startedIDs())
	for _, r := range s.Results() {
		assert.Equal(t, ReasonInterrupted, r.Content)
	}
}

func TestScheduler_AbortWhileRunning(t *testing.T) {
	inv := newFakeInvoker()
	inv.gates["A"] = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	s := New(ctx, inv, domain.TurnState{})
	s.AddCall(tc("A"))
	s.AddCall(tc("B"))
	done := collectAsync(t, s)

	require.Eventually(t, func() bool { return len(inv.startedIDs()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	updates := <-done
	assert.Equal(t, []string{"A", "B"}, resultIDs(updates))
	results := s.Results()
	assert.Equal(t, domain.CodeCancelled, results[0].ErrorCode)
	assert.Equal(t, ReasonInterrupted, results[1].Content, "abort wins over the sibling failure")
	assert.Equal(t, []string{"A"}, inv.startedIDs())
}

func TestScheduler_ContextModifiers(t *testing.T) {
	inv := newFakeInvoker()
	inv.safe["S"] = true
	setCwd := func(dir string) domain.ContextModifier {
		return func(ts domain.TurnState) domain.TurnState {
			ts.Cwd = dir
			return ts
		}
	}
	inv.results["U"] = &domain.ToolResult{Content: "cd", Modifiers: []domain.ContextModifier{setCwd("/unsafe")}}
	inv.results["S"] = &domain.ToolResult{Content: "ls", Modifiers: []domain.ContextModifier{setCwd("/safe")}}

	s := New(context.Background(), inv, domain.TurnState{Cwd: "/start"})
	s.AddCall(tc("U"))
	s.AddCall(tc("S"))
	s.AddCall(tc("N"))
	_, err := s.Collect(context.Background())
	require.NoError(t, err)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Equal(t, "/start", inv.turns["U"].Cwd)
	assert.Equal(t, "/unsafe", inv.turns["S"].Cwd, "calls after an unsafe call see its modifiers")
	assert.Equal(t, "/unsafe", inv.turns["N"].Cwd, "modifiers of safe calls are dropped")
	assert.Equal(t, "/unsafe", s.TurnState().Cwd)
}

func TestScheduler_DrainContextEnds(t *testing.T) {
	inv := newFakeInvoker()
	gate := make(chan struct{})
	defer close(gate)
	inv.gates["A"] = gate
	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Collect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_DrainStopsOnCallbackError(t *testing.T) {
	inv := newFakeInvoker()
	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))
	stop := errors.New("stop")
	err := s.Drain(context.Background(), func(Update) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestScheduler_InvokerPanicBecomesResult(t *testing.T) {
	inv := newFakeInvoker()
	inv.panics["A"] = true
	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))

	_, err := s.Collect(context.Background())
	require.NoError(t, err)
	res := s.Results()[0]
	assert.True(t, res.IsError)
	assert.Equal(t, "A", res.ToolCallID)
	assert.Contains(t, res.Content, "invoker bug")
}

func TestScheduler_EntryDoneClosed(t *testing.T) {
	inv := newFakeInvoker()
	inv.results["A"] = &domain.ToolResult{IsError: true}
	s := New(context.Background(), inv, domain.TurnState{})
	s.AddCall(tc("A"))
	s.AddCall(tc("B"))
	_, err := s.Collect(context.Background())
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		select {
		case <-e.done:
		default:
			t.Errorf("entry %s done channel not closed", e.call.ID)
		}
		assert.Equal(t, statusYielded, e.status)
	}
}
