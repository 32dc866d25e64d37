package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/models"
)

// Broker routes task messages to named queues, advances chains as stages
// complete and keeps task state in a result backend.
type Broker struct {
	queues     map[string]*BadgerManager
	backend    *ResultBackend
	config     Config
	logger     arbor.ILogger
	inspectors map[string]ResultInspector

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// ChainResult holds one handle per dispatched stage, in chain order
type ChainResult struct {
	Stages []*AsyncResult
}

// Root returns the first stage's handle
func (c *ChainResult) Root() *AsyncResult {
	if len(c.Stages) == 0 {
		return nil
	}
	return c.Stages[0]
}

// IDs returns every stage id in chain order
func (c *ChainResult) IDs() []string {
	ids := make([]string, len(c.Stages))
	for i, stage := range c.Stages {
		ids[i] = stage.ID()
	}
	return ids
}

// NewBroker creates queues for every known queue plus any configured extras
func NewBroker(db *badger.DB, config Config, logger arbor.ILogger) (*Broker, error) {
	b := &Broker{
		queues:     make(map[string]*BadgerManager),
		backend:    NewResultBackend(db, config.ResultExpires),
		config:     config,
		logger:     logger,
		inspectors: make(map[string]ResultInspector),
		running:    make(map[string]context.CancelFunc),
	}

	names := append(KnownQueues(), config.Queues...)
	for _, name := range names {
		if _, exists := b.queues[name]; exists {
			continue
		}
		mgr, err := NewBadgerManager(db, name, config.VisibilityTimeout, config.MaxReceive)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue %s: %w", name, err)
		}
		b.queues[name] = mgr
	}

	logger.Debug().Strs("queues", names).Dur("result_expires", config.ResultExpires).Msg("Broker initialized")
	return b, nil
}

// RegisterInspector attaches a result inspector to a task name
func (b *Broker) RegisterInspector(task string, inspect ResultInspector) {
	b.inspectors[task] = inspect
}

// Backend exposes the result backend
func (b *Broker) Backend() *ResultBackend {
	return b.backend
}

// Queue returns the named queue
func (b *Broker) Queue(name string) (*BadgerManager, error) {
	mgr, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return mgr, nil
}

// Send dispatches a single task
func (b *Broker) Send(ctx context.Context, sig models.Signature) (*AsyncResult, error) {
	chain, err := b.SendChain(ctx, sig)
	if err != nil {
		return nil, err
	}
	return chain.Root(), nil
}

// SendChain assigns an id to every stage, enqueues the first one and carries
// the remaining signatures on its message. Later stages are enqueued one at a
// time as their predecessor completes.
func (b *Broker) SendChain(ctx context.Context, sigs ...models.Signature) (*ChainResult, error) {
	if len(sigs) == 0 {
		return nil, errors.New("chain has no stages")
	}

	stages := make([]models.Signature, len(sigs))
	for i, sig := range sigs {
		if _, err := b.Queue(sig.Queue); err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, sig.Task, err)
		}
		if sig.ID == "" {
			sig.ID = common.NewTaskID()
		}
		stages[i] = sig
	}

	first := stages[0]
	msg := models.TaskMessage{
		ID:        first.ID,
		Task:      first.Task,
		Queue:     first.Queue,
		Args:      first.Args,
		Kwargs:    first.Kwargs,
		TimeLimit: first.TimeLimit,
		RootID:    first.ID,
		Chain:     stages[1:],
		SentAt:    time.Now(),
	}
	if err := b.enqueue(ctx, msg); err != nil {
		return nil, err
	}

	result := &ChainResult{Stages: make([]*AsyncResult, len(stages))}
	for i, stage := range stages {
		result.Stages[i] = b.AsyncResult(stage.ID)
	}

	b.logger.Debug().
		Str("root_id", first.ID).
		Str("task", first.Task).
		Int("stages", len(stages)).
		Msg("Chain dispatched")

	return result, nil
}

func (b *Broker) enqueue(ctx context.Context, msg models.TaskMessage) error {
	mgr, err := b.Queue(msg.Queue)
	if err != nil {
		return err
	}
	if err := mgr.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue %s on %s: %w", msg.Task, msg.Queue, err)
	}
	return nil
}

// Receive claims the next message on a queue. Revoked messages are dropped
// and recorded as REVOKED. A message whose workers kept dying without
// completing it is failed with ExceptionWorkerLost, which still runs the
// chain's AlwaysRun stages. Messages whose time limit outlasts the visibility
// timeout have their visibility extended to cover it.
func (b *Broker) Receive(ctx context.Context, queueName string) (*models.TaskMessage, error) {
	mgr, err := b.Queue(queueName)
	if err != nil {
		return nil, err
	}

	for {
		qMsg, err := mgr.Receive(ctx)
		if err != nil {
			return nil, err
		}
		msg := qMsg.Body

		revoked, err := b.backend.IsRevoked(msg.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			b.logger.Info().Str("task_id", msg.ID).Str("task", msg.Task).Msg("Discarding revoked task")
			if err := b.finish(ctx, &msg, &models.TaskMeta{ID: msg.ID, Task: msg.Task, State: models.TaskRevoked, ParentID: msg.ParentID}); err != nil {
				return nil, err
			}
			continue
		}

		if qMsg.Exhausted {
			if err := b.abandon(ctx, &msg, qMsg.ReceiveCount-1); err != nil {
				return nil, err
			}
			continue
		}

		if limit := msg.Deadline(); limit > b.config.VisibilityTimeout {
			if err := mgr.Extend(ctx, msg.ID, limit+b.config.VisibilityTimeout); err != nil {
				b.logger.Warn().Err(err).Str("task_id", msg.ID).Msg("Failed to extend message visibility")
			}
		}

		return &msg, nil
	}
}

// abandon fails a task no worker managed to complete
func (b *Broker) abandon(ctx context.Context, msg *models.TaskMessage, deliveries int) error {
	b.logger.Warn().
		Str("task_id", msg.ID).
		Str("task", msg.Task).
		Int("deliveries", deliveries).
		Msg("Task redelivered too often, failing it as worker lost")
	return b.Complete(ctx, msg, nil, &models.TaskError{
		ExceptionType: ExceptionWorkerLost,
		Message:       fmt.Sprintf("%s was claimed %d times without completing", msg.Task, deliveries),
	})
}

// Message looks up a queued message by task id across every queue
func (b *Broker) Message(ctx context.Context, id string) (*models.TaskMessage, error) {
	for _, mgr := range b.queues {
		qMsg, err := mgr.Get(ctx, id)
		if err == nil {
			return &qMsg.Body, nil
		}
		if !errors.Is(err, ErrNoMessage) {
			return nil, err
		}
	}
	return nil, ErrNoMessage
}

// MarkStarted records that a worker began executing the task
func (b *Broker) MarkStarted(ctx context.Context, msg *models.TaskMessage) error {
	return b.backend.Store(&models.TaskMeta{
		ID:       msg.ID,
		Task:     msg.Task,
		State:    models.TaskStarted,
		ParentID: msg.ParentID,
	})
}

// Complete records a finished task and advances its chain.
//
// On success, or on a failure flagged Forward, the next stage is enqueued with
// this task's result prepended to its arguments. On a hard failure only the
// remaining AlwaysRun stages are kept, and the first of them receives a null
// result. A task revoked while running is recorded as REVOKED and its chain
// stops there.
func (b *Broker) Complete(ctx context.Context, msg *models.TaskMessage, result json.RawMessage, failure *models.TaskError) error {
	now := time.Now()
	meta := &models.TaskMeta{
		ID:       msg.ID,
		Task:     msg.Task,
		ParentID: msg.ParentID,
		DateDone: &now,
	}

	revoked, err := b.backend.IsRevoked(msg.ID)
	if err != nil {
		return err
	}
	if revoked {
		meta.State = models.TaskRevoked
		return b.finish(ctx, msg, meta)
	}

	if failure == nil {
		if inspect, ok := b.inspectors[msg.Task]; ok && len(result) > 0 {
			failure = inspect(result)
		}
	}

	meta.Result = result
	meta.State = models.TaskSuccess
	remaining := msg.Chain
	forwarded := result

	if failure != nil {
		meta.State = models.TaskFailure
		meta.ExceptionType = failure.ExceptionType
		meta.Traceback = failure.Traceback
		if len(meta.Result) == 0 {
			meta.Result, _ = json.Marshal(failure)
		}
		if !failure.Forward {
			remaining = alwaysRun(msg.Chain)
			forwarded = nil
		}
	}

	var next *models.TaskMessage
	if len(remaining) > 0 {
		next = nextMessage(msg, remaining, forwarded)
		meta.Children = []string{next.ID}
	}

	if err := b.finish(ctx, msg, meta); err != nil {
		return err
	}

	logEvent := b.logger.Debug()
	if failure != nil {
		logEvent = b.logger.Warn().Str("exception_type", failure.ExceptionType)
	}
	logEvent.Str("task_id", msg.ID).Str("task", msg.Task).Str("state", string(meta.State)).Msg("Task completed")

	if next == nil {
		return nil
	}
	return b.enqueue(ctx, *next)
}

// finish stores the meta, then deletes the queue message
func (b *Broker) finish(ctx context.Context, msg *models.TaskMessage, meta *models.TaskMeta) error {
	if err := b.backend.Store(meta); err != nil {
		return err
	}
	mgr, err := b.Queue(msg.Queue)
	if err != nil {
		return err
	}
	return mgr.Delete(ctx, msg.ID)
}

func nextMessage(parent *models.TaskMessage, remaining []models.Signature, result json.RawMessage) *models.TaskMessage {
	sig := remaining[0]
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	args := make([]json.RawMessage, 0, len(sig.Args)+1)
	args = append(args, result)
	args = append(args, sig.Args...)

	return &models.TaskMessage{
		ID:        sig.ID,
		Task:      sig.Task,
		Queue:     sig.Queue,
		Args:      args,
		Kwargs:    sig.Kwargs,
		TimeLimit: sig.TimeLimit,
		RootID:    parent.RootID,
		ParentID:  parent.ID,
		Chain:     remaining[1:],
		SentAt:    time.Now(),
	}
}

func alwaysRun(chain []models.Signature) []models.Signature {
	var kept []models.Signature
	for _, sig := range chain {
		if sig.AlwaysRun {
			kept = append(kept, sig)
		}
	}
	return kept
}

// Revoke marks tasks revoked so workers discard them. With terminate, handlers
// currently running the task in this process have their context cancelled.
// Empty ids are ignored.
func (b *Broker) Revoke(ctx context.Context, ids []string, terminate bool) error {
	var errs []error
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := b.backend.MarkRevoked(id); err != nil {
			errs = append(errs, fmt.Errorf("revoke %s: %w", id, err))
			continue
		}
		if terminate {
			b.mu.Lock()
			cancel, ok := b.running[id]
			b.mu.Unlock()
			if ok {
				cancel()
			}
		}
		b.logger.Debug().Str("task_id", id).Bool("terminate", terminate).Msg("Task revoked")
	}
	return errors.Join(errs...)
}

// AsyncResult returns a handle for a task id
func (b *Broker) AsyncResult(id string) *AsyncResult {
	return &AsyncResult{id: id, broker: b}
}

func (b *Broker) track(id string, cancel context.CancelFunc) func() {
	b.mu.Lock()
	b.running[id] = cancel
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.running, id)
		b.mu.Unlock()
	}
}
