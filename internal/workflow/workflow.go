// Package workflow implements the checkpointed step-runner binding: each
// instance runs user code that calls step.do/sleep/sleepUntil/waitForEvent,
// with every step's output durably checkpointed so a restarted instance
// replays completed steps from cache instead of re-executing them.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evalgo/edgerun/internal/bindingerr"
	"github.com/evalgo/edgerun/internal/store"
)

// Status is an instance's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusWaiting   Status = "waiting"
	StatusErrored   Status = "errored"
	StatusTerminated Status = "terminated"
	StatusComplete  Status = "complete"
)

// BackoffKind selects how RetryPolicy.Delay grows between attempts.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures step.do's automatic retry behavior.
type RetryPolicy struct {
	Limit   int
	Delay   time.Duration
	Backoff BackoffKind
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Limit <= 0 {
		p.Limit = 5
	}
	if p.Delay <= 0 {
		p.Delay = time.Second
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	return p
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	switch p.Backoff {
	case BackoffConstant:
		return p.Delay
	case BackoffLinear:
		return p.Delay * time.Duration(attempt)
	default: // exponential
		return time.Duration(float64(p.Delay) * math.Pow(2, float64(attempt-1)))
	}
}

// Engine runs instances of one named workflow class.
type Engine struct {
	store   *store.Store
	name    string
	now     func() time.Time
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs an engine bound to a workflow name (binding name in config).
func New(s *store.Store, name string) *Engine {
	return &Engine{store: s, name: name, now: time.Now, cancels: map[string]context.CancelFunc{}}
}

// CreateOptions configures instance creation.
type CreateOptions struct {
	ID     string // if empty, a uuid is generated
	Params json.RawMessage
}

// Instance is a durable workflow run.
type Instance struct {
	ID     string
	Status Status
	Params json.RawMessage
	Output json.RawMessage
	Error  string
}

// Create inserts a new queued instance and returns its id.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (*Instance, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().Unix()
	params := opts.Params
	if params == nil {
		params = json.RawMessage("null")
	}

	_, err := e.store.DB.ExecContext(ctx, `
		INSERT INTO workflow_instances (workflow_name, id, status, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.name, id, string(StatusQueued), string(params), now, now)
	if err != nil {
		return nil, fmt.Errorf("workflow create: %w", err)
	}
	return &Instance{ID: id, Status: StatusQueued, Params: params}, nil
}

// Get loads an instance's current state.
func (e *Engine) Get(ctx context.Context, id string) (*Instance, error) {
	row := e.store.DB.QueryRowContext(ctx, `
		SELECT status, params, output, error FROM workflow_instances
		WHERE workflow_name = ? AND id = ?
	`, e.name, id)

	var status string
	var params sql.NullString
	var output sql.NullString
	var errText sql.NullString
	if err := row.Scan(&status, &params, &output, &errText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, bindingerr.NewNotFound(fmt.Sprintf("workflow instance %s/%s", e.name, id))
		}
		return nil, fmt.Errorf("workflow get: %w", err)
	}

	inst := &Instance{ID: id, Status: Status(status)}
	if params.Valid {
		inst.Params = json.RawMessage(params.String)
	}
	if output.Valid {
		inst.Output = json.RawMessage(output.String)
	}
	if errText.Valid {
		inst.Error = errText.String
	}
	return inst, nil
}

func (e *Engine) setStatus(ctx context.Context, id string, status Status) error {
	_, err := e.store.DB.ExecContext(ctx, `
		UPDATE workflow_instances SET status = ?, updated_at = ? WHERE workflow_name = ? AND id = ?
	`, string(status), e.now().Unix(), e.name, id)
	return err
}

// Terminate marks an instance as terminated and cancels its run context if
// it is currently blocked in a step, Sleep, or WaitForEvent.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	e.cancelRun(id)
	return e.setStatus(ctx, id, StatusTerminated)
}

// Pause suspends a running instance, cancelling its run context so any
// blocked step, Sleep, or WaitForEvent call returns immediately. Resume
// re-queues it to continue from its last checkpoint.
func (e *Engine) Pause(ctx context.Context, id string) error {
	if err := e.setStatus(ctx, id, StatusPaused); err != nil {
		return fmt.Errorf("workflow pause: %w", err)
	}
	e.cancelRun(id)
	return nil
}

// Resume marks a paused instance runnable again. The caller re-invokes Run
// with the same handler; steps already checkpointed in workflow_steps
// replay from cache, so execution continues past the last completed step.
func (e *Engine) Resume(ctx context.Context, id string) error {
	inst, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status != StatusPaused {
		return bindingerr.NewPreconditionFailed(fmt.Sprintf("workflow instance %s is not paused", id))
	}
	return e.setStatus(ctx, id, StatusQueued)
}

// Restart clears every checkpointed step output and re-queues the instance
// to run from the beginning.
func (e *Engine) Restart(ctx context.Context, id string) error {
	e.cancelRun(id)
	if _, err := e.store.DB.ExecContext(ctx, `
		DELETE FROM workflow_steps WHERE workflow_name = ? AND instance_id = ?
	`, e.name, id); err != nil {
		return fmt.Errorf("workflow restart: clearing steps: %w", err)
	}
	if _, err := e.store.DB.ExecContext(ctx, `
		UPDATE workflow_instances SET status = ?, output = NULL, error = NULL, updated_at = ? WHERE workflow_name = ? AND id = ?
	`, string(StatusQueued), e.now().Unix(), e.name, id); err != nil {
		return fmt.Errorf("workflow restart: %w", err)
	}
	return nil
}

func (e *Engine) cancelRun(id string) {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) complete(ctx context.Context, id string, output json.RawMessage) error {
	_, err := e.store.DB.ExecContext(ctx, `
		UPDATE workflow_instances SET status = ?, output = ?, updated_at = ? WHERE workflow_name = ? AND id = ?
	`, string(StatusComplete), string(output), e.now().Unix(), e.name, id)
	return err
}

func (e *Engine) fail(ctx context.Context, id string, cause error) error {
	_, err := e.store.DB.ExecContext(ctx, `
		UPDATE workflow_instances SET status = ?, error = ?, updated_at = ? WHERE workflow_name = ? AND id = ?
	`, string(StatusErrored), cause.Error(), e.now().Unix(), e.name, id)
	return err
}

func (e *Engine) recordEvent(ctx context.Context, instanceID, eventType string, payload json.RawMessage) error {
	_, err := e.store.DB.ExecContext(ctx, `
		INSERT INTO workflow_events (id, workflow_name, instance_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), e.name, instanceID, eventType, string(payload), e.now().Unix())
	return err
}

// Handler is the user code that drives one instance run.
type Handler func(ctx context.Context, ctxAPI *Context, params json.RawMessage) (json.RawMessage, error)

// Run executes handler against instance id, checkpointing every step call.
// If the instance was previously interrupted mid-run, steps already
// recorded in workflow_steps are replayed from cache rather than re-run.
func (e *Engine) Run(ctx context.Context, id string, handler Handler) error {
	inst, err := e.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := e.setStatus(ctx, id, StatusRunning); err != nil {
		return fmt.Errorf("workflow run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
		cancel()
	}()

	wfCtx := &Context{engine: e, instanceID: id}
	output, err := handler(runCtx, wfCtx, inst.Params)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// Cancelled by Pause, Terminate, or Restart, not by the caller's
			// own context: the instance's status already reflects why, so
			// leave it as-is instead of overwriting it with "errored".
			if cur, gerr := e.Get(ctx, id); gerr == nil && cur.Status != StatusRunning {
				return err
			}
		}
		e.fail(ctx, id, err)
		return err
	}

	if output == nil {
		output = json.RawMessage("null")
	}
	return e.complete(ctx, id, output)
}

// Context is the API surface exposed to workflow handler code (step, sleep,
// sleepUntil, waitForEvent).
type Context struct {
	engine     *Engine
	instanceID string
}

// Do runs fn under stepName, retrying per policy on error and checkpointing
// the successful result so a replay returns the cached value without
// re-invoking fn.
func (c *Context) Do(ctx context.Context, stepName string, policy RetryPolicy, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if cached, ok, err := c.loadStep(ctx, stepName); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	policy = policy.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= policy.Limit; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			if saveErr := c.saveStep(ctx, stepName, out); saveErr != nil {
				return nil, saveErr
			}
			return out, nil
		}

		var nonRetryable *bindingerr.NonRetryableError
		if errors.As(err, &nonRetryable) {
			return nil, err
		}
		lastErr = err

		if attempt < policy.Limit {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(policy.delayFor(attempt)):
			}
		}
	}
	return nil, fmt.Errorf("%w (last error: %v)", bindingerr.NewExhausted(fmt.Sprintf("step %q", stepName), policy.Limit), lastErr)
}

func (c *Context) loadStep(ctx context.Context, stepName string) (json.RawMessage, bool, error) {
	row := c.engine.store.DB.QueryRowContext(ctx, `
		SELECT output FROM workflow_steps WHERE workflow_name = ? AND instance_id = ? AND step_name = ?
	`, c.engine.name, c.instanceID, stepName)

	var output sql.NullString
	if err := row.Scan(&output); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("workflow step load: %w", err)
	}
	if !output.Valid {
		return json.RawMessage("null"), true, nil
	}
	return json.RawMessage(output.String), true, nil
}

func (c *Context) saveStep(ctx context.Context, stepName string, output json.RawMessage) error {
	if output == nil {
		output = json.RawMessage("null")
	}
	_, err := c.engine.store.DB.ExecContext(ctx, `
		INSERT INTO workflow_steps (workflow_name, instance_id, step_name, output, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workflow_name, instance_id, step_name) DO UPDATE SET output=excluded.output, completed_at=excluded.completed_at
	`, c.engine.name, c.instanceID, stepName, string(output), c.engine.now().Unix())
	if err != nil {
		return fmt.Errorf("workflow step save: %w", err)
	}
	return nil
}

// Sleep pauses the instance for d, measured from this call. The deadline is
// not persisted, so a Sleep replayed after a restart waits the full d again.
func (c *Context) Sleep(ctx context.Context, d time.Duration) error {
	return c.SleepUntil(ctx, c.engine.now().Add(d))
}

// SleepUntil pauses the instance until deadline, firing immediately if
// deadline has already passed.
func (c *Context) SleepUntil(ctx context.Context, deadline time.Time) error {
	now := c.engine.now()
	if !deadline.After(now) {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(deadline.Sub(now)):
		return nil
	}
}

// WaitForEvent blocks until an event of eventType is recorded against this
// instance, or timeout elapses. Events recorded before the call (e.g. a
// replay where the event already arrived) are returned immediately.
func (c *Context) WaitForEvent(ctx context.Context, eventType string, timeout time.Duration) (json.RawMessage, error) {
	deadline := c.engine.now().Add(timeout)
	poll := 50 * time.Millisecond

	for {
		payload, ok, err := c.pollEvent(ctx, eventType)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		if !c.engine.now().Before(deadline) {
			return nil, bindingerr.NewExhausted(fmt.Sprintf("waitForEvent %q", eventType), 0)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (c *Context) pollEvent(ctx context.Context, eventType string) (json.RawMessage, bool, error) {
	row := c.engine.store.DB.QueryRowContext(ctx, `
		SELECT payload FROM workflow_events
		WHERE workflow_name = ? AND instance_id = ? AND event_type = ?
		ORDER BY id ASC LIMIT 1
	`, c.engine.name, c.instanceID, eventType)

	var payload sql.NullString
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("workflow wait for event: %w", err)
	}
	if !payload.Valid {
		return json.RawMessage("null"), true, nil
	}
	return json.RawMessage(payload.String), true, nil
}

// SendEvent records an event against instanceID, unblocking any
// WaitForEvent call polling for eventType.
func (e *Engine) SendEvent(ctx context.Context, instanceID, eventType string, payload json.RawMessage) error {
	return e.recordEvent(ctx, instanceID, eventType, payload)
}
