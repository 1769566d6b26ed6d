package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
	"github.com/vinayprograms/agentfabric/logging"
	"github.com/vinayprograms/agentfabric/state"
)

// DefaultKeyPrefix is where task snapshots live in the state store.
const DefaultKeyPrefix = state.TaskSpace

// Runner executes one task in the background. Returning nil completes the
// task, returning an error fails it. Runners observe cancellation through
// Run.Canceled or Run.Context.
type Runner func(r *Run) error

// Notifier delivers a push event to an address. The fabric implements it
// with its at-least-once sender.
type Notifier interface {
	Notify(ctx context.Context, to envelope.Address, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, to envelope.Address, ev Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, to envelope.Address, ev Event) error {
	return f(ctx, to, ev)
}

// Manager owns the tasks of one agent: their state machine, update feeds,
// push dispatch and persistence.
type Manager struct {
	store    state.StateStore
	prefix   string
	runner   Runner
	notifier Notifier
	logger   *logging.Logger
	idGen    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*entry
	pending map[string]PushConfig // registered before the task started
	closed  bool
}

type entry struct {
	task     Task
	seq      int
	feeds    map[*Feed]struct{}
	push     *PushConfig
	pushFeed *Feed
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// snapshot is the persisted form of a task.
type snapshot struct {
	Task Task        `json:"task"`
	Seq  int         `json:"seq"`
	Push *PushConfig `json:"push,omitempty"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRunner runs every started task in the background with r.
func WithRunner(r Runner) ManagerOption {
	return func(m *Manager) { m.runner = r }
}

// WithNotifier sets the push notification sender.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithKeyPrefix namespaces the manager's snapshots in the store.
func WithKeyPrefix(prefix string) ManagerOption {
	return func(m *Manager) { m.prefix = prefix }
}

// WithIDGenerator sets a custom ID generator function.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.idGen = gen }
}

// NewManager creates a task manager. A nil store keeps tasks in memory only.
func NewManager(store state.StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		prefix:  DefaultKeyPrefix,
		logger:  logging.New().WithComponent("tasks"),
		idGen:   uuid.NewString,
		tasks:   make(map[string]*entry),
		pending: make(map[string]PushConfig),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Restore loads persisted tasks. Tasks that were still running when the
// previous process stopped are failed, since their runner is gone.
func (m *Manager) Restore() (int, error) {
	if m.store == nil {
		return 0, nil
	}
	keys, err := m.store.Keys(m.prefix + "*")
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, key := range keys {
		data, err := m.store.Get(key)
		if err != nil {
			continue
		}
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			m.logger.Warn("skipping unreadable task snapshot", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			continue
		}
		if _, ok := m.tasks[snap.Task.ID]; ok {
			continue
		}
		e := &entry{task: snap.Task, seq: snap.Seq, feeds: make(map[*Feed]struct{})}
		m.tasks[snap.Task.ID] = e
		if !e.task.Status.State.IsTerminal() {
			m.setStatusLocked(e, StateFailed, "interrupted by restart")
		}
		n++
	}
	return n, nil
}

// Start creates a task. With a runner configured the task enters working
// and runs in the background; Start returns without waiting for it.
func (m *Manager) Start(ctx context.Context, params StartParams) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Task{}, ErrClosed
	}
	if params.ID == "" {
		params.ID = m.idGen()
	}
	if _, ok := m.tasks[params.ID]; ok {
		return Task{}, ferrors.DuplicateTask(params.ID)
	}

	e := &entry{
		task: Task{
			ID:        params.ID,
			SessionID: params.SessionID,
			Metadata:  params.Metadata,
		},
		feeds: make(map[*Feed]struct{}),
	}
	m.tasks[params.ID] = e
	if cfg, ok := m.pending[params.ID]; ok {
		delete(m.pending, params.ID)
		m.attachPushLocked(e, cfg)
	}
	m.setStatusLocked(e, StateSubmitted, "")

	if m.runner != nil {
		m.setStatusLocked(e, StateWorking, "")
		runCtx, cancel := context.WithCancel(m.ctx)
		e.cancel = cancel
		run := &Run{m: m, e: e, params: params, ctx: runCtx}
		m.wg.Add(1)
		go m.execute(run)
	}
	return e.task.Clone(), nil
}

func (m *Manager) execute(run *Run) {
	defer m.wg.Done()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = ferrors.RecoverPanic(r)
			}
		}()
		return m.runner(run)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	e := run.e
	if e.task.Status.State.IsTerminal() {
		return
	}
	if e.canceled.Load() {
		m.setStatusLocked(e, StateFailed, "interrupted by shutdown")
		return
	}
	if err != nil {
		m.setStatusLocked(e, StateFailed, err.Error())
		return
	}
	m.setStatusLocked(e, StateCompleted, "")
}

// Get returns a snapshot of the task. Unseen ids yield a task in
// StateUnknown.
func (m *Manager) Get(id string) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return Task{ID: id, Status: Status{State: StateUnknown, Timestamp: time.Now()}}
	}
	return e.task.Clone()
}

// List returns snapshots of every task, ordered by id.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, e := range m.tasks {
		out = append(out, e.task.Clone())
	}
	sortTasks(out)
	return out
}

// Subscribe opens an update feed. The first event is the task's current
// status; the feed ends after the terminal status, which late subscribers
// still receive.
func (m *Manager) Subscribe(id string) (*Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return nil, ferrors.NotFound("task "+id+" not found", ferrors.WithTaskID(id))
	}
	f := newFeed(id, m.unsubscribe)
	st := e.task.Status
	f.push(Event{TaskID: id, Kind: EventStatus, Seq: e.seq, Status: &st})
	if !st.State.IsTerminal() {
		e.feeds[f] = struct{}{}
	}
	return f, nil
}

func (m *Manager) unsubscribe(f *Feed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tasks[f.taskID]; ok {
		delete(e.feeds, f)
	}
}

// UpdateArtifact appends an artifact and emits it to subscribers.
func (m *Manager) UpdateArtifact(id string, a Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return ferrors.NotFound("task "+id+" not found", ferrors.WithTaskID(id))
	}
	if e.task.Status.State.IsTerminal() {
		return ferrors.TaskTerminal(id)
	}
	a.Index = len(e.task.Artifacts)
	e.task.Artifacts = append(e.task.Artifacts, a)
	emitted := a
	m.emitLocked(e, Event{Kind: EventArtifact, Artifact: &emitted})
	m.persistLocked(e)
	return nil
}

// Cancel moves a working task to canceled and signals its runner. Any other
// state fails with INVALID_TRANSITION.
func (m *Manager) Cancel(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return Task{}, ferrors.InvalidTransition(id, string(StateUnknown), string(StateCanceled))
	}
	if e.task.Status.State != StateWorking {
		return Task{}, ferrors.InvalidTransition(id, string(e.task.Status.State), string(StateCanceled))
	}
	e.canceled.Store(true)
	m.setStatusLocked(e, StateCanceled, "")
	return e.task.Clone(), nil
}

// Transition moves a task to a new state. Agents without a runner drive
// their tasks with it.
func (m *Manager) Transition(id string, to State, message string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return Task{}, ferrors.NotFound("task "+id+" not found", ferrors.WithTaskID(id))
	}
	from := e.task.Status.State
	if !CanTransition(from, to) {
		return Task{}, ferrors.InvalidTransition(id, string(from), string(to))
	}
	if to == StateCanceled {
		e.canceled.Store(true)
	}
	m.setStatusLocked(e, to, message)
	return e.task.Clone(), nil
}

// Complete marks a task completed.
func (m *Manager) Complete(id, message string) (Task, error) {
	return m.Transition(id, StateCompleted, message)
}

// Fail marks a task failed with err's message.
func (m *Manager) Fail(id string, err error) (Task, error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return m.Transition(id, StateFailed, msg)
}

// RegisterPush routes the task's future events to cfg.Address. A config
// registered before the task starts applies from its first event.
func (m *Manager) RegisterPush(cfg PushConfig) (PushConfig, error) {
	if cfg.TaskID == "" {
		return cfg, ferrors.InvalidInput("push config requires a task id")
	}
	if _, err := envelope.ParseAddress(string(cfg.Address)); err != nil {
		return cfg, ferrors.InvalidInput(err.Error(), ferrors.WithTaskID(cfg.TaskID))
	}
	if m.notifier == nil {
		return cfg, ferrors.New(ferrors.ErrCodeUnsupported, "push notifications not configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return cfg, ErrClosed
	}
	e, ok := m.tasks[cfg.TaskID]
	if !ok {
		m.pending[cfg.TaskID] = cfg
		return cfg, nil
	}
	if e.task.Status.State.IsTerminal() {
		return cfg, ferrors.TaskTerminal(cfg.TaskID)
	}
	m.attachPushLocked(e, cfg)
	m.persistLocked(e)
	return cfg, nil
}

// Purge forgets a terminal task and its snapshot.
func (m *Manager) Purge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return nil
	}
	if !e.task.Status.State.IsTerminal() {
		return ferrors.InvalidTransition(id, string(e.task.Status.State), "purged")
	}
	delete(m.tasks, id)
	if m.store != nil {
		if err := m.store.Delete(m.key(id)); err != nil {
			return ferrors.Wrap(err, "purge task", ferrors.WithTaskID(id))
		}
	}
	return nil
}

// Close cancels running tasks and waits for their runners and push
// dispatchers to return.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, e := range m.tasks {
		if e.task.Status.State == StateWorking {
			e.canceled.Store(true)
		}
		for f := range e.feeds {
			f.detach()
		}
		if e.pushFeed != nil {
			e.pushFeed.detach()
		}
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) attachPushLocked(e *entry, cfg PushConfig) {
	if e.pushFeed != nil {
		e.pushFeed.detach()
	}
	c := cfg
	e.push = &c
	f := newFeed(e.task.ID, nil)
	e.pushFeed = f
	m.wg.Add(1)
	go m.dispatchPush(c, f)
}

// dispatchPush forwards events in emission order. A failed notification is
// logged and does not stop later ones.
func (m *Manager) dispatchPush(cfg PushConfig, f *Feed) {
	defer m.wg.Done()
	for {
		ev, err := f.Next(m.ctx)
		if err != nil {
			return
		}
		if err := m.notifier.Notify(m.ctx, cfg.Address, ev); err != nil {
			m.logger.Warn("push notification failed", map[string]interface{}{
				"task":  cfg.TaskID,
				"to":    cfg.Address.String(),
				"seq":   ev.Seq,
				"error": err.Error(),
			})
		}
	}
}

func (m *Manager) setStatusLocked(e *entry, to State, message string) {
	from := e.task.Status.State
	e.task.Status = Status{State: to, Message: message, Timestamp: time.Now().UTC()}
	st := e.task.Status
	m.emitLocked(e, Event{Kind: EventStatus, Status: &st})
	if from != to {
		m.logger.TaskTransition(e.task.ID, string(from), string(to))
	}
	if to.IsTerminal() {
		// Feeds ended themselves on the final event.
		e.feeds = make(map[*Feed]struct{})
		e.pushFeed = nil
		if e.cancel != nil {
			e.cancel()
		}
	}
	m.persistLocked(e)
}

func (m *Manager) emitLocked(e *entry, ev Event) {
	e.seq++
	ev.Seq = e.seq
	ev.TaskID = e.task.ID
	for f := range e.feeds {
		f.push(ev)
	}
	if e.pushFeed != nil {
		e.pushFeed.push(ev)
	}
}

func (m *Manager) persistLocked(e *entry) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(snapshot{Task: e.task, Seq: e.seq, Push: e.push})
	if err == nil {
		err = m.store.Put(m.key(e.task.ID), data, 0)
	}
	if err != nil {
		m.logger.Error("persist task failed", map[string]interface{}{
			"task":  e.task.ID,
			"error": err.Error(),
		})
	}
}

// key encodes id since task ids are free-form text.
func (m *Manager) key(id string) string {
	return m.prefix + base64.RawURLEncoding.EncodeToString([]byte(id))
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
