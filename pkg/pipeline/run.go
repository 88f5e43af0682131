package pipeline

import (
	"context"
	"sync"
	"time"
)

// Run is the caller's handle on a started pipeline.
type Run struct {
	req    InstallRequest
	events *eventQueue
	cancel context.CancelFunc
	done   chan struct{}
	start  time.Time

	mu          sync.Mutex
	state       PipelineState
	stageStart  time.Time
	result      Result
	onStageDone func(Stage, time.Duration)
}

func newRun(req InstallRequest, cancel context.CancelFunc) *Run {
	return &Run{
		req:    req,
		events: newEventQueue(),
		cancel: cancel,
		done:   make(chan struct{}),
		start:  time.Now(),
		state:  PipelineState{RunID: req.ID, Stage: StagePending, BytesTotal: -1},
	}
}

// ID returns the run ID.
func (r *Run) ID() string { return r.req.ID }

// Events delivers progress in order and is closed after the terminal event.
// Callers must drain it.
func (r *Run) Events() <-chan ProgressEvent { return r.events.out }

// Cancel requests cancellation. It is honored up to the start of ACTIVATING.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.state.Cancelled = true
	r.mu.Unlock()
	r.cancel()
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run is terminal and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

// State returns a snapshot of the run's state.
func (r *Run) State() PipelineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) update(fn func(s *PipelineState)) PipelineState {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
	return r.state
}

// transition moves to stage and emits its event.
func (r *Run) transition(stage Stage, msg string) PipelineState {
	now := time.Now()
	r.mu.Lock()
	prev, started := r.state.Stage, r.stageStart
	r.state.Stage = stage
	r.stageStart = now
	s := r.state
	r.mu.Unlock()

	if !started.IsZero() && prev != stage && r.onStageDone != nil {
		r.onStageDone(prev, now.Sub(started))
	}
	r.emit(s, msg, false)
	return s
}

func (r *Run) emit(s PipelineState, msg string, progress bool) {
	r.events.push(ProgressEvent{
		RunID:      s.RunID,
		Stage:      s.Stage,
		BytesDone:  s.BytesFetched,
		BytesTotal: s.BytesTotal,
		Attempt:    s.Attempts,
		Degraded:   s.Degraded,
		Message:    msg,
		Time:       time.Now(),
	}, progress)
}

func (r *Run) finish(res Result) {
	r.result = res
	r.events.close()
	close(r.done)
}
