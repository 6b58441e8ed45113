// Package tasks implements the in-memory receive/send task queues: an
// idempotent-under-retry send handler, and a per-target circuit breaker so a
// persistently failing endpoint degrades gracefully instead of being
// hammered on every retry. The circuit breaker is grounded directly on
// internal/nostr/relay.go's relayCircuit (consecutive-failure threshold →
// open → cooldown → half-open retry), generalized from one relay URL to any
// (protocol, uri) Target.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klppl/bridge/internal/bridgeerr"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

const (
	cbCooldown  = 5 * time.Minute
	cbThreshold = 3
)

// targetCircuit is a per-Target circuit breaker, carried over verbatim from
// klistr's relayCircuit shape.
type targetCircuit struct {
	mu        sync.Mutex
	failCount int
	openedAt  time.Time
	open      bool
}

func (c *targetCircuit) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	if time.Since(c.openedAt) >= cbCooldown {
		c.open = false
		c.failCount = 0
		return false
	}
	return true
}

func (c *targetCircuit) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if !c.open && c.failCount >= cbThreshold {
		c.open = true
		c.openedAt = time.Now()
	}
}

func (c *targetCircuit) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.failCount = 0
}

func (c *targetCircuit) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.failCount = 0
}

// ReceiveTask is the payload of a receive task.
type ReceiveTask struct {
	ID       string
	ObjectID string
	AuthedAs string
}

// SendTask is the payload of a send task.
type SendTask struct {
	ID         string
	ObjectID   string
	URL        string
	Protocol   string
	OrigObjID  string
	UserKey    string
	ForceRetry bool
}

// ObjectStore is the persistence surface the send handler needs.
type ObjectStore interface {
	GetObject(ctx context.Context, id string) (*model.Object, bool)
	PutObject(ctx context.Context, obj *model.Object) error
}

// UserStore looks up the sending user for Send.
type UserStore interface {
	GetUser(ctx context.Context, protocol, key string) (*model.User, bool)
}

// ReceiveHandler processes one receive task; implemented by
// receive.Pipeline.Receive.
type ReceiveHandler func(ctx context.Context, objectID, authedAs string) (status int, err error)

// Runner drives the two queues. Each queue is an in-memory buffered channel
// (256 tasks) consumed by a worker pool; queued tasks are not persisted and
// do not survive a restart, and the Runner does not re-enqueue a failed
// task. In local-development mode
// (Config.TasksInline) tasks run synchronously inline with enqueue, the
// same "no queue, just call the handler" shortcut klistr's admin/relay
// handlers use when running without a task broker.
type Runner struct {
	Registry *protocol.Registry
	Objects  ObjectStore
	Users    UserStore
	Inline   bool

	circuitsMu sync.Mutex
	circuits   map[model.Target]*targetCircuit

	receiveQueue chan ReceiveTask
	sendQueue    chan SendTask
	onReceive    ReceiveHandler
	wg           sync.WaitGroup
	stop         chan struct{}
}

// NewRunner constructs a Runner. workers sets the size of each queue's
// worker pool (ignored in inline mode).
func NewRunner(registry *protocol.Registry, objects ObjectStore, users UserStore, inline bool, workers int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	r := &Runner{
		Registry:     registry,
		Objects:      objects,
		Users:        users,
		Inline:       inline,
		circuits:     make(map[model.Target]*targetCircuit),
		receiveQueue: make(chan ReceiveTask, 256),
		sendQueue:    make(chan SendTask, 256),
		stop:         make(chan struct{}),
	}
	if !inline {
		for i := 0; i < workers; i++ {
			r.wg.Add(2)
			go r.receiveWorker()
			go r.sendWorker()
		}
	}
	return r
}

// Stop signals every worker goroutine to exit and waits for them.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// SetReceiveHandler wires the receive-pipeline entry point. Done as a
// setter rather than a constructor argument to break the import cycle
// between tasks and receive (receive.Pipeline enqueues send tasks via this
// same Runner).
func (r *Runner) SetReceiveHandler(h ReceiveHandler) { r.onReceive = h }

// EnqueueReceive schedules a receive task, running it inline if configured.
func (r *Runner) EnqueueReceive(ctx context.Context, objectID, authedAs string) error {
	t := ReceiveTask{ID: uuid.NewString(), ObjectID: objectID, AuthedAs: authedAs}
	if r.Inline {
		_, err := r.runReceive(ctx, t)
		return err
	}
	select {
	case r.receiveQueue <- t:
		return nil
	default:
		return bridgeerr.Internal("receive queue full", nil)
	}
}

// EnqueueSend schedules a send task, running it inline if configured.
func (r *Runner) EnqueueSend(ctx context.Context, t SendTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if r.Inline {
		return r.runSend(ctx, t)
	}
	select {
	case r.sendQueue <- t:
		return nil
	default:
		return bridgeerr.Internal("send queue full", nil)
	}
}

// EnqueueReceiveSync is EnqueueReceive plus the HTTP status the receive
// pipeline produced, for the /queue/receive endpoint to
// surface directly: in inline mode that's the pipeline's own status; in
// queued mode there's nothing to wait on, so it's always 202 (accepted).
func (r *Runner) EnqueueReceiveSync(ctx context.Context, objectID, authedAs string) (int, error) {
	t := ReceiveTask{ID: uuid.NewString(), ObjectID: objectID, AuthedAs: authedAs}
	if r.Inline {
		return r.runReceive(ctx, t)
	}
	select {
	case r.receiveQueue <- t:
		return 202, nil
	default:
		return 0, bridgeerr.Internal("receive queue full", nil)
	}
}

// EnqueueSendSync is EnqueueSend plus an HTTP status for the /queue/send
// endpoint: 202 on successful enqueue/inline-send, whatever status the
// error carries otherwise.
func (r *Runner) EnqueueSendSync(ctx context.Context, t SendTask) (int, error) {
	if err := r.EnqueueSend(ctx, t); err != nil {
		return bridgeerr.StatusOf(err), err
	}
	return 202, nil
}

func (r *Runner) receiveWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case t := <-r.receiveQueue:
			if _, err := r.runReceive(context.Background(), t); err != nil {
				slog.Error("receive task failed", "object", t.ObjectID, "err", err)
			}
		}
	}
}

func (r *Runner) runReceive(ctx context.Context, t ReceiveTask) (int, error) {
	if r.onReceive == nil {
		return 0, bridgeerr.Internal("no receive handler registered", nil)
	}
	return r.onReceive(ctx, t.ObjectID, t.AuthedAs)
}

func (r *Runner) sendWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case t := <-r.sendQueue:
			if err := r.runSend(context.Background(), t); err != nil {
				slog.Error("send task failed", "object", t.ObjectID, "url", t.URL, "err", err)
			}
		}
	}
}

func (r *Runner) getCircuit(target model.Target) *targetCircuit {
	r.circuitsMu.Lock()
	defer r.circuitsMu.Unlock()
	if c, ok := r.circuits[target]; ok {
		return c
	}
	c := &targetCircuit{}
	r.circuits[target] = c
	return c
}

// ResetCircuit clears the circuit-breaker state for a target, for admin use.
func (r *Runner) ResetCircuit(target model.Target) {
	r.getCircuit(target).reset()
}

// runSend implements the send handler contract: resolve the
// target, idempotency-check against undelivered/failed, call the plugin's
// Send, and transactionally update the Object's target lists.
func (r *Runner) runSend(ctx context.Context, t SendTask) error {
	target := model.Target{Protocol: t.Protocol, URI: t.URL}
	circuit := r.getCircuit(target)
	if circuit.isOpen() && !t.ForceRetry {
		return bridgeerr.Noop("target circuit open, skipping until cooldown")
	}

	obj, ok := r.Objects.GetObject(ctx, t.ObjectID)
	if !ok {
		return bridgeerr.Validationf(404, "object %s not found", t.ObjectID)
	}

	if !hasTarget(obj.Undelivered, target) && !hasTarget(obj.Failed, target) && !t.ForceRetry {
		return bridgeerr.Noop("target already finalized")
	}

	p, ok := r.Registry.ByLabel(t.Protocol)
	if !ok {
		return bridgeerr.Validationf(400, "unknown protocol %s", t.Protocol)
	}

	var fromUser *model.User
	if t.UserKey != "" {
		fromUser, _ = r.Users.GetUser(ctx, obj.SourceProtocol, t.UserKey)
	}
	var origObj *model.Object
	if t.OrigObjID != "" {
		origObj, _ = r.Objects.GetObject(ctx, t.OrigObjID)
	}

	outcome, sendErr := p.Send(ctx, obj, t.URL, fromUser, origObj)

	obj.Undelivered = removeTarget(obj.Undelivered, target)
	switch {
	case sendErr != nil:
		circuit.recordFailure()
		obj.Failed = appendTargetUnique(obj.Failed, target)
	case outcome == protocol.Refused:
		circuit.recordSuccess()
		// treated as delivered without effect: cleared from undelivered, not added to delivered
	default:
		circuit.recordSuccess()
		obj.Delivered = appendTargetUnique(obj.Delivered, target)
		obj.Failed = removeTarget(obj.Failed, target)
	}
	obj.Status = obj.ComputeStatus()

	if err := r.Objects.PutObject(ctx, obj); err != nil {
		return err
	}
	return sendErr
}

func hasTarget(list []model.Target, t model.Target) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func removeTarget(list []model.Target, t model.Target) []model.Target {
	out := list[:0:0]
	for _, x := range list {
		if x != t {
			out = append(out, x)
		}
	}
	return out
}

func appendTargetUnique(list []model.Target, t model.Target) []model.Target {
	if hasTarget(list, t) {
		return list
	}
	return append(list, t)
}
