package assign

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppdesk/internal/bus"
	"github.com/matheus3301/wppdesk/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("assignment request not found")
	ErrNotPending     = errors.New("assignment request already resolved")
	ErrDeadlinePassed = errors.New("assignment deadline passed")
	ErrWrongAgent     = errors.New("assignment request belongs to another agent")
	ErrDuplicate      = errors.New("assignment request already pending")
	ErrClosed         = errors.New("assignment queue closed")
)

// State is the lifecycle state of a request.
type State string

const (
	Pending  State = "pending"
	Accepted State = "accepted"
	Rejected State = "rejected"
	Expired  State = "expired"
)

// Request is an inbound chat offered to one agent. ParentID names the
// rejected or expired request this one redistributes.
type Request struct {
	ID            string
	ParentID      string
	ChatID        string
	TargetAgentID string
	Priority      int
	Deadline      time.Time
	AttemptCount  int
}

const defaultResolvedLimit = 1024

// Outcome reports how a request ended. Redistribute is set for rejected and
// expired requests; picking the next agent is up to the subscriber.
type Outcome struct {
	Request      Request
	State        State
	At           time.Time
	Redistribute bool
}

type entry struct {
	req   Request
	timer *time.Timer
}

// Queue holds pending requests until they are accepted, rejected or their
// deadline timer fires. Every request reaches exactly one terminal state.
type Queue struct {
	timeout    time.Duration
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger
	onResolved func(Outcome)
	now        func() time.Time

	mu            sync.Mutex
	pending       map[string]*entry
	resolved      map[string]State
	resolvedOrder []string
	resolvedLimit int
	closed        bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithResolvedHook is called once for every request that leaves Pending.
func WithResolvedHook(fn func(Outcome)) Option {
	return func(q *Queue) { q.onResolved = fn }
}

// WithMetrics records outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithResolvedLimit caps how many terminal states State remembers. Older
// entries are forgotten first.
func WithResolvedLimit(n int) Option {
	return func(q *Queue) { q.resolvedLimit = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a queue. A zero timeout means 30 seconds.
func NewQueue(timeout time.Duration, b *bus.Bus, opts ...Option) *Queue {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	q := &Queue{
		timeout:       timeout,
		bus:           b,
		logger:        zap.NewNop(),
		now:           time.Now,
		pending:       make(map[string]*entry),
		resolved:      make(map[string]State),
		resolvedLimit: defaultResolvedLimit,
	}
	for _, o := range opts {
		o(q)
	}
	if q.resolvedLimit <= 0 {
		q.resolvedLimit = defaultResolvedLimit
	}
	return q
}

// Enqueue offers a request to its target agent. The deadline is set from the
// queue timeout and the attempt count is incremented. A request handed back
// after rejection or expiry is re-issued under a new ID with ParentID set to
// the old one, so the old ID keeps its terminal state.
func (q *Queue) Enqueue(req Request) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Request{}, ErrClosed
	}
	if _, ok := q.pending[req.ID]; ok {
		return Request{}, ErrDuplicate
	}
	_, done := q.resolved[req.ID]
	switch {
	case req.ID == "":
		req.ID = uuid.NewString()
	case done || req.AttemptCount > 0:
		req.ParentID = req.ID
		req.ID = uuid.NewString()
	}

	req.Deadline = q.now().Add(q.timeout)
	req.AttemptCount++
	id := req.ID
	q.pending[id] = &entry{
		req:   req,
		timer: time.AfterFunc(q.timeout, func() { q.expire(id) }),
	}
	q.logger.Info("chat request enqueued",
		zap.String("request", id),
		zap.String("parent", req.ParentID),
		zap.String("chat", req.ChatID),
		zap.String("agent", req.TargetAgentID),
		zap.Int("attempt", req.AttemptCount))
	return req, nil
}

// Accept claims a pending request before its deadline. An empty agentID
// skips the ownership check.
func (q *Queue) Accept(id, agentID string) error {
	return q.resolve(id, agentID, Accepted)
}

// Reject hands a pending request back for redistribution.
func (q *Queue) Reject(id, agentID string) error {
	return q.resolve(id, agentID, Rejected)
}

func (q *Queue) resolve(id, agentID string, to State) error {
	q.mu.Lock()
	e, ok := q.pending[id]
	if !ok {
		_, done := q.resolved[id]
		q.mu.Unlock()
		if done {
			return ErrNotPending
		}
		return ErrNotFound
	}
	if agentID != "" && agentID != e.req.TargetAgentID {
		q.mu.Unlock()
		return ErrWrongAgent
	}
	now := q.now()
	if to == Accepted && !now.Before(e.req.Deadline) {
		q.mu.Unlock()
		return ErrDeadlinePassed
	}
	e.timer.Stop()
	out := q.finishLocked(e, to, now)
	q.mu.Unlock()

	q.publish(out)
	return nil
}

func (q *Queue) expire(id string) {
	q.mu.Lock()
	e, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	out := q.finishLocked(e, Expired, q.now())
	q.mu.Unlock()

	q.publish(out)
}

func (q *Queue) finishLocked(e *entry, to State, at time.Time) Outcome {
	delete(q.pending, e.req.ID)
	q.resolved[e.req.ID] = to
	q.resolvedOrder = append(q.resolvedOrder, e.req.ID)
	if len(q.resolvedOrder) > q.resolvedLimit {
		delete(q.resolved, q.resolvedOrder[0])
		q.resolvedOrder = q.resolvedOrder[1:]
	}
	return Outcome{Request: e.req, State: to, At: at, Redistribute: to != Accepted}
}

func (q *Queue) publish(out Outcome) {
	kind := bus.KindAssignAccepted
	switch out.State {
	case Rejected:
		kind = bus.KindAssignRejected
	case Expired:
		kind = bus.KindAssignExpired
	}
	q.metrics.Assignment(string(out.State))
	q.logger.Info("chat request resolved",
		zap.String("request", out.Request.ID),
		zap.String("state", string(out.State)))
	q.bus.Emit(kind, out)
	if q.onResolved != nil {
		q.onResolved(out)
	}
}

// State returns the state of a known request. Only the most recent terminal
// states are kept.
func (q *Queue) State(id string) (State, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; ok {
		return Pending, true
	}
	s, ok := q.resolved[id]
	return s, ok
}

// Pending lists pending requests, highest priority first, then earliest
// deadline.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	out := make([]Request, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.req)
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b Request) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.Deadline.Compare(b.Deadline); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Stop cancels every deadline timer and refuses new requests. Pending
// requests are dropped without an outcome.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, e := range q.pending {
		e.timer.Stop()
		delete(q.pending, id)
	}
}
