package tasks

import "context"

// Run is a runner's handle on the task it executes.
type Run struct {
	m      *Manager
	e      *entry
	params StartParams
	ctx    context.Context
}

// ID returns the task id.
func (r *Run) ID() string {
	return r.params.ID
}

// Params returns the parameters the task was started with.
func (r *Run) Params() StartParams {
	return r.params
}

// Context is done once the task is canceled or the manager closes.
func (r *Run) Context() context.Context {
	return r.ctx
}

// Canceled reports whether cancellation was requested. Runners check it
// before each unit of progress.
func (r *Run) Canceled() bool {
	return r.e.canceled.Load()
}

// Artifact publishes a unit of output. It fails with TASK_TERMINAL once the
// task was canceled.
func (r *Run) Artifact(a Artifact) error {
	return r.m.UpdateArtifact(r.params.ID, a)
}

// Progress publishes a working status with a message.
func (r *Run) Progress(message string) error {
	_, err := r.m.Transition(r.params.ID, StateWorking, message)
	return err
}
