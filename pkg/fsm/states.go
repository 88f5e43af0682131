// Package fsm runs installs as durable superfly/fsm workflows. A run that was
// interrupted by a crash is resumed by the FSM store and picks up its partial
// archive, and network failures that exhausted the pipeline's own retries are
// retried again by the FSM.
package fsm

import (
	"context"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/superfly/fsm"
)

// State names
const (
	StateQueued  = "queued"
	StateInstall = "install"
	StateDone    = "done"
	StateFailed  = "failed"
)

// Action is the FSM action name installs are registered under.
const Action = "install"

// Register registers the install FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[InstallRequest, InstallResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[InstallRequest, InstallResponse](manager, Action).
		Start(StateQueued, m.handleQueued).
		To(StateInstall, m.handleInstall).
		To(StateDone, m.handleDone).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
