package fabric

import (
	"context"
	"encoding/json"
	"io"

	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
	"github.com/vinayprograms/agentfabric/state"
	"github.com/vinayprograms/agentfabric/tasks"
)

// Task operation names.
const (
	OpStartTask     = "start_task"
	OpGetTaskStatus = "get_task_status"
	OpSubscribeTask = "subscribe_to_task_updates"
	OpCancelTask    = "cancel_task"
	OpRegisterPush  = "register_push_endpoint"
)

// TaskAgent exposes a task manager's lifecycle as operations.
type TaskAgent struct {
	Manager *tasks.Manager

	// Extra operations served next to the task operations.
	Extra Operations

	// Caps are advertised capabilities.
	Caps []envelope.Capability
}

// NewTaskAgent returns an agent serving m.
func NewTaskAgent(m *tasks.Manager) *TaskAgent {
	return &TaskAgent{Manager: m}
}

// Capabilities implements CapabilityProvider.
func (a *TaskAgent) Capabilities() []envelope.Capability {
	return a.Caps
}

// Operations implements OperationProvider.
func (a *TaskAgent) Operations() Operations {
	m := a.Manager
	ops := Operations{
		OpStartTask: Unary(func(ctx context.Context, p tasks.StartParams) (tasks.Task, error) {
			return m.Start(ctx, p)
		}),
		OpGetTaskStatus: Unary(func(_ context.Context, q tasks.QueryParams) (tasks.Task, error) {
			if q.ID == "" {
				return tasks.Task{}, ferrors.InvalidInput("task id required")
			}
			return m.Get(q.ID), nil
		}),
		OpSubscribeTask: Streaming(func(ctx context.Context, q tasks.QueryParams, send func(tasks.Event) error) error {
			feed, err := m.Subscribe(q.ID)
			if err != nil {
				return err
			}
			defer feed.Close()
			for {
				ev, err := feed.Next(ctx)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if err := send(ev); err != nil {
					return err
				}
			}
		}),
		OpCancelTask: Unary(func(_ context.Context, q tasks.QueryParams) (tasks.Task, error) {
			return m.Cancel(q.ID)
		}),
		OpRegisterPush: Unary(func(_ context.Context, cfg tasks.PushConfig) (tasks.PushConfig, error) {
			return m.RegisterPush(cfg)
		}),
	}
	if len(a.Extra) > 0 {
		ops = ops.Merge(a.Extra)
	}
	return ops
}

// TaskManager creates a task manager for the agent at addr. Snapshots go to
// the node's store under the agent's own prefix and pushes leave through
// the node with at-least-once delivery. Tasks persisted by an earlier run
// are restored; those that never finished are failed. The manager is
// closed with the fabric.
func (f *Fabric) TaskManager(addr envelope.Address, runner tasks.Runner, opts ...tasks.ManagerOption) (*tasks.Manager, error) {
	if _, err := envelope.ParseAddress(string(addr)); err != nil {
		return nil, ferrors.InvalidInput(err.Error())
	}
	base := []tasks.ManagerOption{
		tasks.WithRunner(runner),
		tasks.WithNotifier(f.Notifier(addr)),
		tasks.WithLogger(f.opts.logger.WithComponent("tasks")),
		tasks.WithKeyPrefix(state.TaskPrefix(string(addr))),
	}
	m := tasks.NewManager(f.store, append(base, opts...)...)
	n, err := m.Restore()
	if err != nil {
		m.Close()
		return nil, ferrors.Wrap(err, "restore tasks of "+string(addr))
	}
	if n > 0 {
		f.logger.Info("tasks restored", map[string]interface{}{
			"address": string(addr),
			"count":   n,
		})
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		m.Close()
		return nil, ErrClosed
	}
	f.managers = append(f.managers, m)
	f.mu.Unlock()
	return m, nil
}

// Notifier returns a push notifier sending task events from addr as Event
// frames. Each notification waits for the receiving agent's ack.
func (f *Fabric) Notifier(from envelope.Address) tasks.Notifier {
	return tasks.NotifierFunc(func(ctx context.Context, to envelope.Address, ev tasks.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		env, err := envelope.New(from, envelope.ToAddress(to), envelope.Frame{Event: &envelope.Event{
			TaskID: ev.TaskID,
			Kind:   string(ev.Kind),
			Data:   data,
		}}, envelope.WithAck(true))
		if err != nil {
			return err
		}
		_, span := f.tracer.StartSendSpan(ctx, &env)
		err = f.tracker.Send(ctx, env)
		f.tracer.EndSpan(span, err)
		return err
	})
}

// StartTask asks the remote agent to start a task.
func (p *Proxy) StartTask(ctx context.Context, params tasks.StartParams) (tasks.Task, error) {
	var t tasks.Task
	err := p.CallInto(ctx, OpStartTask, params, &t)
	return t, err
}

// TaskStatus fetches a task snapshot. Unknown ids come back in state
// unknown.
func (p *Proxy) TaskStatus(ctx context.Context, id string) (tasks.Task, error) {
	var t tasks.Task
	err := p.CallInto(ctx, OpGetTaskStatus, tasks.QueryParams{ID: id}, &t)
	return t, err
}

// CancelTask cancels a working task.
func (p *Proxy) CancelTask(ctx context.Context, id string) (tasks.Task, error) {
	var t tasks.Task
	err := p.CallInto(ctx, OpCancelTask, tasks.QueryParams{ID: id}, &t)
	return t, err
}

// RegisterPush routes a task's future events to addr.
func (p *Proxy) RegisterPush(ctx context.Context, taskID string, addr envelope.Address) (tasks.PushConfig, error) {
	var cfg tasks.PushConfig
	err := p.CallInto(ctx, OpRegisterPush, tasks.PushConfig{TaskID: taskID, Address: addr}, &cfg)
	return cfg, err
}

// SubscribeTask streams a task's events, starting with its current status
// and ending after its terminal status.
func (p *Proxy) SubscribeTask(ctx context.Context, id string) (*TaskUpdates, error) {
	s, err := p.Stream(ctx, OpSubscribeTask, tasks.QueryParams{ID: id})
	if err != nil {
		return nil, err
	}
	return &TaskUpdates{s: s}, nil
}

// TaskUpdates reads a task subscription.
type TaskUpdates struct {
	s *Stream
}

// Next returns the next event, or io.EOF after the terminal one.
func (u *TaskUpdates) Next(ctx context.Context) (tasks.Event, error) {
	raw, err := u.s.Next(ctx)
	if err != nil {
		return tasks.Event{}, err
	}
	var ev tasks.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return tasks.Event{}, ferrors.Wrap(err, "decode task event")
	}
	return ev, nil
}

// Collect reads events until the terminal one.
func (u *TaskUpdates) Collect(ctx context.Context) ([]tasks.Event, error) {
	var out []tasks.Event
	for {
		ev, err := u.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// Close ends the subscription. The task is unaffected.
func (u *TaskUpdates) Close() {
	u.s.Close()
}
