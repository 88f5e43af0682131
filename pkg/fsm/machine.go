package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/pipeline"
	"github.com/superfly/fsm"
)

// Observer receives the progress events of every run the machine drives.
type Observer func(pipeline.ProgressEvent)

// Machine holds dependencies for FSM transitions
type Machine struct {
	coord      *pipeline.Coordinator
	maxRetries int
	observer   Observer

	runs    sync.Map // run ID -> *pipeline.Run
	results sync.Map // run ID -> pipeline.Result
}

// NewMachine creates a new FSM machine driving installs through coord.
func NewMachine(coord *pipeline.Coordinator, maxRetries int, observer Observer) *Machine {
	return &Machine{
		coord:      coord,
		maxRetries: maxRetries,
		observer:   observer,
	}
}

// Result returns the last pipeline result recorded for runID.
func (m *Machine) Result(runID string) (pipeline.Result, bool) {
	v, ok := m.results.Load(runID)
	if !ok {
		return pipeline.Result{}, false
	}
	return v.(pipeline.Result), true
}

// Cancel cancels the pipeline run currently executing for runID. It reports
// whether one was found.
func (m *Machine) Cancel(runID string) bool {
	v, ok := m.runs.Load(runID)
	if !ok {
		return false
	}
	v.(*pipeline.Run).Cancel()
	return true
}

func (m *Machine) retriesExceeded(ctx context.Context, runID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", runID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// handleQueued finishes any activation a crash left half done before the
// install is attempted.
func (m *Machine) handleQueued(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_queued", "run_id", req.Msg.RunID, "install_dir", req.Msg.TargetDir)

	if err := m.retriesExceeded(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &InstallResponse{}
	}

	if req.Msg.TargetDir != "" {
		action, err := m.coord.Recover(ctx, req.Msg.TargetDir)
		if err != nil {
			slog.Error("fsm_recover_failed", "run_id", req.Msg.RunID, "install_dir", req.Msg.TargetDir, "error", err)
			return nil, fsm.Abort(errors.Wrap(err, "activation recovery failed"))
		}
		if action != activate.ActionNone {
			resp.Recovered = string(action)
		}
	}

	return fsm.NewResponse(resp), nil
}

// handleInstall runs the pipeline once. A run that ran out of network
// retries is handed back to the FSM for another attempt, which resumes the
// partial archive; every other failure ends the workflow.
func (m *Machine) handleInstall(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	slog.Info("fsm_state_install", "run_id", req.Msg.RunID, "version", req.Msg.Version)

	if err := m.retriesExceeded(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	run := m.coord.Start(ctx, req.Msg.pipeline())
	m.runs.Store(run.ID(), run)
	for ev := range run.Events() {
		if m.observer != nil {
			m.observer(ev)
		}
	}
	res := run.Wait()
	m.runs.Delete(run.ID())
	m.results.Store(run.ID(), res)

	resp.State = string(res.State)
	resp.Attempts += res.Attempts
	resp.ShortCircuit = res.ShortCircuit
	resp.Change = res.Change
	if res.Record != nil {
		resp.Checksum = res.Record.Checksum
		resp.Trust = res.Record.Trust
	}
	resp.ErrorKind, resp.ErrorMessage = "", ""
	if res.Err != nil {
		resp.ErrorKind = res.Kind.String()
		resp.ErrorMessage = res.Err.Error()
	}

	switch decide(res) {
	case verdictRetry:
		slog.Warn("fsm_install_retry", "run_id", res.RunID, "kind", res.Kind, "error", res.Err)
		return nil, errors.Wrap(res.Err, "install failed")
	case verdictAbort:
		slog.Error("fsm_install_failed", "run_id", res.RunID, "state", res.State, "kind", res.Kind, "error", res.Err)
		return nil, fsm.Abort(res.Err)
	}
	return fsm.NewResponse(resp), nil
}

func (m *Machine) handleDone(ctx context.Context, req *fsm.Request[InstallRequest, InstallResponse]) (*fsm.Response[InstallResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		resp = &InstallResponse{State: string(pipeline.StageComplete)}
	}
	slog.Info("fsm_complete",
		"run_id", req.Msg.RunID,
		"version", req.Msg.Version,
		"change", resp.Change,
		"short_circuit", resp.ShortCircuit)
	return fsm.NewResponse(resp), nil
}

type verdict int

const (
	verdictDone verdict = iota
	verdictRetry
	verdictAbort
)

// decide maps a pipeline result onto the FSM's control flow.
func decide(res pipeline.Result) verdict {
	switch {
	case res.State == pipeline.StageComplete:
		return verdictDone
	case res.State == pipeline.StageFailed && res.Family == errors.FamilyNetwork && errors.Retryable(res.Err):
		return verdictRetry
	default:
		return verdictAbort
	}
}
