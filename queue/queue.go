package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timelinehq/timeline/errors"
)

const (
	// EventChannelBufferSize is the buffer size for subscriber channels
	EventChannelBufferSize = 100
	// dueBatchLimit caps how many invocations one tick will claim
	dueBatchLimit = 100
)

// Handler consumes a delivered invocation. The handler is expected to be
// idempotent with respect to the invocation id (at-least-once delivery)
// and to classify its own failures; an error returned here only feeds
// logging and the event stream, it does not trigger a retry.
type Handler interface {
	HandleInvocation(ctx context.Context, inv *Invocation) error
}

// HandlerFunc adapts a plain function to the Handler interface
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// HandleInvocation implements Handler.
func (f HandlerFunc) HandleInvocation(ctx context.Context, inv *Invocation) error {
	return f(ctx, inv)
}

// Event describes one delivery for subscribers (live feeds, monitors).
type Event struct {
	InvocationID string    `json:"invocation_id"`
	OwnerID      string    `json:"owner_id"`
	WorkflowID   string    `json:"workflow_id"`
	Status       string    `json:"status"` // "delivered" or "failed"
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// Config contains queue tunables.
type Config struct {
	Workers        int           // concurrent deliveries (default: 4)
	TickerInterval time.Duration // how often to check for due invocations (default: 1s)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		TickerInterval: 1 * time.Second,
	}
}

// Queue schedules invocations for future delivery and dispatches the due
// ones to its handler through a bounded worker pool.
type Queue struct {
	store       *Store
	handler     Handler
	config      Config
	parentCtx   context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sem         chan struct{} // bounds concurrent deliveries
	logger      *zap.SugaredLogger
	mu          sync.RWMutex
	subscribers []chan Event
}

// New creates a queue over the given database.
func New(db *sql.DB, cfg Config, logger *zap.SugaredLogger) *Queue {
	return NewWithContext(context.Background(), db, cfg, logger)
}

// NewWithContext creates a queue with a parent context so shutdown can be
// coordinated from above.
func NewWithContext(ctx context.Context, db *sql.DB, cfg Config, logger *zap.SugaredLogger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = DefaultConfig().TickerInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	queueCtx, cancel := context.WithCancel(ctx)
	return &Queue{
		store:     NewStore(db),
		config:    cfg,
		parentCtx: ctx,
		ctx:       queueCtx,
		cancel:    cancel,
		sem:       make(chan struct{}, cfg.Workers),
		logger:    logger.Named("queue"),
	}
}

// SetHandler installs the delivery handler. Must be called before Start.
func (q *Queue) SetHandler(h Handler) {
	q.handler = h
}

// Schedule registers an invocation of (ownerID, workflowID) for delivery
// no earlier than at. Returns the new invocation id.
func (q *Queue) Schedule(ctx context.Context, ownerID, workflowID string, at time.Time) (string, error) {
	if ownerID == "" || workflowID == "" {
		return "", errors.Wrap(errors.ErrMissingParameters, "schedule")
	}

	inv := &Invocation{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		WorkflowID: workflowID,
		DeliverAt:  at.UTC(),
		Status:     StatusQueued,
	}

	if err := q.store.CreateInvocation(inv); err != nil {
		return "", errors.Wrap(err, "failed to schedule invocation")
	}

	q.logger.Debugw("Scheduled invocation",
		"invocation_id", inv.ID,
		"workflow_id", workflowID,
		"deliver_at", inv.DeliverAt.Format(time.RFC3339))

	return inv.ID, nil
}

// Start recovers orphaned deliveries and begins the dispatch loop.
func (q *Queue) Start() error {
	if q.handler == nil {
		return errors.New("queue started without a handler")
	}

	// Re-queue deliveries orphaned by an ungraceful shutdown. Handlers are
	// idempotent per invocation id, so redelivery is safe.
	recovered, err := q.store.ResetDelivering()
	if err != nil {
		return errors.Wrap(err, "failed to recover orphaned invocations")
	}
	if recovered > 0 {
		q.logger.Warnw("Re-queued orphaned invocations", "count", recovered)
	}

	q.wg.Add(1)
	go q.run()
	q.logger.Infow("Queue dispatcher started",
		"workers", q.config.Workers,
		"ticker_interval", q.config.TickerInterval)
	return nil
}

// Stop gracefully stops the dispatcher and waits for in-flight deliveries.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
	q.logger.Infow("Queue dispatcher stopped")
}

// run is the main dispatch loop
func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.TickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case tickTime := <-ticker.C:
			if err := q.dispatchDue(tickTime); err != nil {
				q.logger.Warnw("Dispatch tick error", "error", err)
			}
		}
	}
}

// dispatchDue claims due invocations and hands them to workers
func (q *Queue) dispatchDue(now time.Time) error {
	due, err := q.store.ListDue(now, dueBatchLimit)
	if err != nil {
		return errors.Wrap(err, "failed to list due invocations")
	}

	for _, inv := range due {
		select {
		case <-q.ctx.Done():
			return q.ctx.Err()
		default:
		}

		claimed, err := q.store.MarkDelivering(inv.ID)
		if err != nil {
			q.logger.Errorw("Failed to claim invocation", "invocation_id", inv.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		select {
		case q.sem <- struct{}{}:
		case <-q.ctx.Done():
			// Shutting down with a claimed but undelivered invocation;
			// ResetDelivering re-queues it on the next start.
			return q.ctx.Err()
		}

		q.wg.Add(1)
		go q.deliver(inv)
	}

	return nil
}

// deliver hands one invocation to the handler and records the delivery
func (q *Queue) deliver(inv *Invocation) {
	defer q.wg.Done()
	defer func() { <-q.sem }()

	q.logger.Infow("Delivering invocation",
		"invocation_id", inv.ID,
		"workflow_id", inv.WorkflowID,
		"attempt", inv.Attempts+1)

	handlerErr := q.handler.HandleInvocation(q.ctx, inv)

	if err := q.store.MarkDelivered(inv.ID); err != nil {
		q.logger.Errorw("Failed to mark invocation delivered",
			"invocation_id", inv.ID,
			"error", err)
	}

	event := Event{
		InvocationID: inv.ID,
		OwnerID:      inv.OwnerID,
		WorkflowID:   inv.WorkflowID,
		Status:       "delivered",
		At:           time.Now().UTC(),
	}
	if handlerErr != nil {
		event.Status = "failed"
		event.Message = handlerErr.Error()
		q.logger.Errorw("Invocation handler reported failure",
			"invocation_id", inv.ID,
			"workflow_id", inv.WorkflowID,
			"error", handlerErr)
	}

	q.notifySubscribers(event)
}

// Subscribe returns a channel that receives delivery events.
// The caller is responsible for calling Unsubscribe when done.
// The returned channel is buffered to prevent blocking the notifier.
func (q *Queue) Subscribe() chan Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan Event, EventChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it
// themselves after unsubscribing if needed.
func (q *Queue) Unsubscribe(ch chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends delivery events to all subscribers.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(event Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}
