package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"toolrun/internal/domain"
	"toolrun/internal/infra/metrics"
)

// Cancellation messages for calls that never started.
const (
	ReasonInterrupted   = "interrupted by user"
	ReasonSiblingFailed = "cancelled: a sibling tool call failed"
)

// waitingMessage is the one-time progress sent to a call held at the barrier.
const waitingMessage = "waiting for earlier tool calls to finish"

// Invoker runs a single call. Invoke must return exactly one result.
type Invoker interface {
	IsConcurrencySafe(call domain.ToolCall) bool
	Invoke(ctx context.Context, call domain.ToolCall, turn domain.TurnState, progress domain.ProgressFunc) *domain.ToolResult
}

// UpdateKind distinguishes progress from terminal results.
type UpdateKind string

const (
	UpdateProgress UpdateKind = "progress"
	UpdateResult   UpdateKind = "result"
)

// Update is one item of the scheduler's output stream.
type Update struct {
	Kind       UpdateKind           `json:"kind"`
	ToolCallID string               `json:"tool_call_id"`
	Progress   *domain.ToolProgress `json:"progress,omitempty"`
	Result     *domain.ToolResult   `json:"result,omitempty"`
}

type status int

const (
	statusQueued status = iota
	statusExecuting
	statusCompleted
	statusYielded
)

// entry is one call in the queue.
type entry struct {
	call         domain.ToolCall
	status       status
	safe         bool
	waitNotified bool
	progress     []domain.ToolProgress
	result       *domain.ToolResult
	done         chan struct{}
}

// Scheduler runs the calls of one turn. Concurrency-safe calls run together;
// an unsafe call runs alone, and nothing queued behind a blocked call
// overtakes it. Results are delivered in arrival order.
type Scheduler struct {
	ctx context.Context
	inv Invoker

	mu      sync.Mutex
	entries []*entry
	turn    domain.TurnState
	errored bool
	yielded []*domain.ToolResult

	wake chan struct{}

	bus     domain.EventBus
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventBus publishes queued and cancelled events.
func WithEventBus(b domain.EventBus) Option { return func(s *Scheduler) { s.bus = b } }

// WithMetrics counts barrier waits.
func WithMetrics(r *metrics.Recorder) Option { return func(s *Scheduler) { s.metrics = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates a scheduler for one turn. ctx is the turn's abort signal: it
// is passed to every call, and calls not yet started when it ends are
// cancelled without running.
func New(ctx context.Context, inv Invoker, turn domain.TurnState, opts ...Option) *Scheduler {
	s := &Scheduler{
		ctx:  ctx,
		inv:  inv,
		turn: turn.Clone(),
		wake: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// AddCall enqueues a call. Its safety flag is resolved once, here.
func (s *Scheduler) AddCall(call domain.ToolCall) {
	safe := s.inv.IsConcurrencySafe(call)

	s.mu.Lock()
	s.entries = append(s.entries, &entry{call: call, safe: safe, done: make(chan struct{})})
	s.publish(domain.EventToolCallQueued, map[string]any{"tool_call_id": call.ID, "tool": call.Name, "concurrency_safe": safe})
	s.scheduleLocked()
	s.mu.Unlock()

	s.logger.Debug("tool call queued", "call_id", call.ID, "tool", call.Name, "safe", safe)
}

// scheduleLocked starts every queued entry that may run, in arrival order,
// and stops at the first that may not.
func (s *Scheduler) scheduleLocked() {
	for _, e := range s.entries {
		if e.status != statusQueued {
			continue
		}
		if !s.canStartLocked(e) {
			if !e.waitNotified {
				e.waitNotified = true
				e.progress = append(e.progress, domain.ToolProgress{
					ToolCallID: e.call.ID,
					ToolName:   e.call.Name,
					Message:    waitingMessage,
					Timestamp:  time.Now(),
				})
				s.metrics.BarrierWait()
				s.signal()
			}
			return
		}
		s.startLocked(e)
	}
}

func (s *Scheduler) canStartLocked(e *entry) bool {
	executing, allSafe := false, true
	for _, other := range s.entries {
		if other.status == statusExecuting {
			executing = true
			allSafe = allSafe && other.safe
		}
	}
	return !executing || (e.safe && allSafe)
}

func (s *Scheduler) startLocked(e *entry) {
	switch {
	case s.ctx.Err() != nil:
		s.cancelLocked(e, ReasonInterrupted)
		return
	case s.errored:
		s.cancelLocked(e, ReasonSiblingFailed)
		return
	}
	e.status = statusExecuting
	go s.run(e, s.turn.Clone())
}

// cancelLocked completes e without invoking its tool.
func (s *Scheduler) cancelLocked(e *entry, reason string) {
	e.result = &domain.ToolResult{
		ToolCallID: e.call.ID,
		ToolName:   e.call.Name,
		Content:    reason,
		IsError:    true,
		ErrorCode:  domain.CodeCancelled,
	}
	e.status = statusCompleted
	s.errored = true
	close(e.done)
	s.publish(domain.EventToolCallCancelled, map[string]string{"tool_call_id": e.call.ID, "tool": e.call.Name, "reason": reason})
	s.signal()
	s.logger.Debug("tool call cancelled", "call_id", e.call.ID, "reason", reason)
}

func (s *Scheduler) run(e *entry, turn domain.TurnState) {
	var res *domain.ToolResult
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("invoker panicked", "call_id", e.call.ID, "panic", r)
			res = &domain.ToolResult{
				Content:   fmt.Sprintf("tool execution failed: %v", r),
				IsError:   true,
				ErrorCode: domain.CodeToolFailure,
			}
		}
		s.complete(e, res)
	}()
	res = s.inv.Invoke(s.ctx, e.call, turn, func(p domain.ToolProgress) { s.addProgress(e, p) })
}

func (s *Scheduler) addProgress(e *entry, p domain.ToolProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Progress after the result would arrive out of order.
	if e.status != statusExecuting {
		return
	}
	e.progress = append(e.progress, p)
	s.signal()
}

// complete records the result, applies an unsafe call's context modifiers
// and runs a scheduling pass.
func (s *Scheduler) complete(e *entry, res *domain.ToolResult) {
	if res == nil {
		res = &domain.ToolResult{Content: "tool returned no result", IsError: true, ErrorCode: domain.CodeToolFailure}
	}
	res.ToolCallID = e.call.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	e.result = res
	e.status = statusCompleted
	if res.IsError {
		s.errored = true
	}
	if !e.safe {
		for _, m := range res.Modifiers {
			s.turn = m(s.turn.Clone())
		}
	}
	close(e.done)
	s.scheduleLocked()
	s.signal()
}

// signal wakes Drain without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Drain delivers updates to fn until every queued call has been yielded:
// first all buffered progress in queue order, then completed results in
// arrival order up to the first call still running. It returns fn's error,
// or ctx.Err() if ctx ends first; ctx bounds only the wait.
func (s *Scheduler) Drain(ctx context.Context, fn func(Update) error) error {
	for {
		batch, unfinished := s.collect()
		for _, u := range batch {
			if err := fn(u); err != nil {
				return err
			}
		}
		if !unfinished {
			return nil
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// collect takes every update that is ready and reports whether calls remain.
func (s *Scheduler) collect() (batch []Update, unfinished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked()

	for _, e := range s.entries {
		for i := range e.progress {
			p := e.progress[i]
			batch = append(batch, Update{Kind: UpdateProgress, ToolCallID: e.call.ID, Progress: &p})
		}
		e.progress = nil
	}

	for _, e := range s.entries {
		if e.status == statusYielded {
			continue
		}
		if e.status != statusCompleted {
			break
		}
		e.status = statusYielded
		s.yielded = append(s.yielded, e.result)
		batch = append(batch, Update{Kind: UpdateResult, ToolCallID: e.call.ID, Result: e.result})
	}

	for _, e := range s.entries {
		if e.status != statusYielded {
			unfinished = true
			break
		}
	}
	return batch, unfinished
}

// Collect drains the scheduler and returns every update.
func (s *Scheduler) Collect(ctx context.Context) ([]Update, error) {
	var out []Update
	err := s.Drain(ctx, func(u Update) error {
		out = append(out, u)
		return nil
	})
	return out, err
}

// Results returns the results yielded so far, in arrival order.
func (s *Scheduler) Results() []*domain.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.ToolResult(nil), s.yielded...)
}

// TurnState returns the turn state with every applied context modifier.
func (s *Scheduler) TurnState() domain.TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.Clone()
}

// Errored reports whether any call of the turn has failed.
func (s *Scheduler) Errored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errored
}

func (s *Scheduler) publish(eventType domain.EventType, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(context.Background(), domain.NewEvent(eventType, s.turn.SessionID, payload))
}
