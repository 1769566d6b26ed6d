package delivery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/vinayprograms/agentfabric/envelope"
	ferrors "github.com/vinayprograms/agentfabric/errors"
	"github.com/vinayprograms/agentfabric/logging"
)

// TransmitFunc puts an envelope on the wire once. Errors in the routing or
// permanent categories end the delivery immediately; any other error is
// treated as a lost transmission and retried on schedule.
type TransmitFunc func(env envelope.Envelope) error

// Tracker holds the live delivery records of one node. Each record owns one
// timer; records of different envelopes never wait on each other.
type Tracker struct {
	cfg      Config
	transmit TransmitFunc
	logger   *logging.Logger

	mu      sync.Mutex
	records map[string]*entry
	rnd     *rand.Rand
	closed  bool
}

type entry struct {
	rec   Record
	env   envelope.Envelope
	timer *time.Timer
	done  chan struct{}
	err   error
}

// Pending is the caller's handle on a tracked envelope.
type Pending struct {
	t *Tracker
	e *entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithSeed makes jitter reproducible.
func WithSeed(seed int64) Option {
	return func(t *Tracker) { t.rnd = rand.New(rand.NewSource(seed)) }
}

// New creates a tracker that transmits with fn.
func New(cfg Config, fn TransmitFunc, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		transmit: fn,
		logger:   logging.New().WithComponent("delivery"),
		records:  make(map[string]*entry),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Track transmits env and starts tracking it. If env is already tracked the
// existing handle is returned and nothing is sent.
func (t *Tracker) Track(env envelope.Envelope) (*Pending, error) {
	if !env.RequiresAck {
		return nil, ErrNotTracked
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := t.records[env.ID]; ok {
		t.mu.Unlock()
		return &Pending{t: t, e: e}, nil
	}
	delay := t.delayLocked(1)
	e := &entry{
		rec: Record{
			EnvelopeID:  env.ID,
			Attempts:    1,
			NextRetryAt: time.Now().Add(delay),
			MaxAttempts: t.cfg.MaxAttempts,
			Status:      StatusPending,
		},
		env:  env,
		done: make(chan struct{}),
	}
	t.records[env.ID] = e
	e.timer = time.AfterFunc(delay, func() { t.expire(env.ID) })
	t.mu.Unlock()

	t.send(e, 1)
	return &Pending{t: t, e: e}, nil
}

// Send transmits env and blocks until it is acknowledged, rejected, abandoned
// or ctx ends. Envelopes that do not require acknowledgment are transmitted
// once.
func (t *Tracker) Send(ctx context.Context, env envelope.Envelope) error {
	if !env.RequiresAck {
		return t.transmit(env)
	}
	p, err := t.Track(env)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// Ack applies a delivery acknowledgment. It returns true if a live record
// was retired; acks for unknown or already retired ids are ignored.
func (t *Tracker) Ack(ack envelope.DeliveryAck) bool {
	t.mu.Lock()
	e, ok := t.records[ack.RefID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	var err error
	status := StatusAcked
	if !ack.OK {
		status = StatusAbandoned
		err = ack.Fault.Err()
		if err == nil {
			err = ferrors.DeliveryFailed(ack.RefID, e.rec.Attempts)
		}
	}
	t.finishLocked(e, status, err)
	t.mu.Unlock()
	return true
}

// Cancel stops tracking id. The pending handle completes with CANCELED.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.records[id]; ok {
		t.finishLocked(e, StatusAbandoned, ferrors.New(ferrors.ErrCodeCanceled, "delivery canceled"))
	}
}

// Get returns a snapshot of a live record.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Len returns the number of live records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Close abandons every live record with ErrClosed.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, e := range t.records {
		t.finishLocked(e, StatusAbandoned, ErrClosed)
	}
	return nil
}

// expire runs when a record's timer fires.
func (t *Tracker) expire(id string) {
	t.mu.Lock()
	e, ok := t.records[id]
	if !ok || e.rec.Status != StatusPending {
		t.mu.Unlock()
		return
	}
	if e.rec.Attempts >= e.rec.MaxAttempts {
		t.logger.DeliveryAbandoned(id, e.rec.Attempts)
		t.finishLocked(e, StatusAbandoned, ferrors.DeliveryFailed(id, e.rec.Attempts))
		t.mu.Unlock()
		return
	}
	e.rec.Attempts++
	attempt := e.rec.Attempts
	delay := t.delayLocked(attempt)
	e.rec.NextRetryAt = time.Now().Add(delay)
	e.timer = time.AfterFunc(delay, func() { t.expire(id) })
	t.mu.Unlock()

	t.logger.DeliveryRetry(id, attempt, delay)
	t.send(e, attempt)
}

// send transmits outside the lock so synchronous links can ack inline.
func (t *Tracker) send(e *entry, attempt int) {
	t.logger.EnvelopeSent(e.env.ID, string(e.env.Frame.Kind()), e.env.To.String(), attempt)
	err := t.transmit(e.env)
	if err == nil {
		return
	}
	if ferrors.IsRouting(err) || ferrors.IsCategory(err, ferrors.CategoryPermanent) {
		t.mu.Lock()
		if cur, ok := t.records[e.env.ID]; ok && cur == e {
			t.finishLocked(e, StatusAbandoned, err)
		}
		t.mu.Unlock()
		return
	}
	t.logger.Debug("transmit failed", map[string]interface{}{
		"id":      e.env.ID,
		"attempt": attempt,
		"error":   err.Error(),
	})
}

// finishLocked retires a record. Must be called with lock held.
func (t *Tracker) finishLocked(e *entry, status Status, err error) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.rec.Status = status
	e.err = err
	delete(t.records, e.rec.EnvelopeID)
	close(e.done)
}

// delayLocked must be called with lock held; rand.Rand is not goroutine safe.
func (t *Tracker) delayLocked(attempt int) time.Duration {
	return t.cfg.Backoff.Delay(attempt, t.rnd.Float64())
}

// Done is closed when the delivery completes.
func (p *Pending) Done() <-chan struct{} {
	return p.e.done
}

// Err returns the outcome once Done is closed: nil when acknowledged.
func (p *Pending) Err() error {
	select {
	case <-p.e.done:
		return p.e.err
	default:
		return nil
	}
}

// Wait blocks until the delivery completes or ctx ends. When ctx ends first
// the record is canceled.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.e.done:
		return p.e.err
	case <-ctx.Done():
		p.t.Cancel(p.e.rec.EnvelopeID)
		<-p.e.done
		if p.e.rec.Status == StatusAcked {
			return nil
		}
		return ferrors.Wrap(ctx.Err(), "awaiting acknowledgment")
	}
}

// Record returns a snapshot of the record. After Done it holds the final
// status.
func (p *Pending) Record() Record {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	return p.e.rec
}
