package durableobject

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evalgo/edgerun/internal/store"
)

// Object is the interface user actor classes implement. Alarm handles a
// fired alarm; other exported methods are invoked by name through Stub.Call
// (see rpc.go for the reflection-based dispatch).
type Object interface {
	Alarm(ctx context.Context, state *State, info AlarmInfo) error
}

// Constructor builds a fresh actor instance the first time an id is
// touched. blockConcurrencyWhile-style setup belongs inside the
// constructor: since construction runs on the instance's input gate before
// any other job is admitted, nothing else can interleave with it.
type Constructor func(state *State) Object

// State is the per-instance API surface (ctx.storage, alarms) passed to the
// constructor and to method/RPC dispatch.
type State struct {
	ID      ID
	Storage *Storage
	inst    *instance
}

// BlockConcurrencyWhile runs fn with no other job for this instance able to
// start, by running it directly on the calling goroutine, which already
// owns the instance's single input-gate slot.
func (s *State) BlockConcurrencyWhile(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// instance is one live, in-memory actor instance: its constructed Object,
// its input gate (a single worker draining a FIFO job queue), and idle
// tracking for eviction.
type instance struct {
	class      string
	id         ID
	obj        Object
	state      *State
	jobs       chan func()
	lastActive time.Time
	mu         sync.Mutex
	alarm      *alarmState
	sockets    *sockets
}

func (in *instance) touch() {
	in.mu.Lock()
	in.lastActive = time.Now()
	in.mu.Unlock()
}

func (in *instance) idleFor() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	return time.Since(in.lastActive)
}

// run submits fn to the instance's input gate and blocks until it has run,
// serializing it against every other call on the same instance.
func (in *instance) run(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn(ctx)
	}
	select {
	case in.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *instance) gateLoop() {
	for job := range in.jobs {
		job()
	}
}

// Registry is the in-memory per-class instance table with idle-timeout
// eviction, grounded on the teacher's live-state manager pattern.
type Registry struct {
	store       *store.Store
	mu          sync.Mutex
	classes     map[string]Constructor
	instances   map[string]*instance // key: class + "/" + id.hex
	idleTimeout time.Duration
	stopEvict   chan struct{}
}

// NewRegistry constructs a registry backed by s, evicting instances idle
// longer than idleTimeout.
func NewRegistry(s *store.Store, idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	r := &Registry{
		store:       s,
		classes:     map[string]Constructor{},
		instances:   map[string]*instance{},
		idleTimeout: idleTimeout,
		stopEvict:   make(chan struct{}),
	}
	go r.evictLoop()
	return r
}

// RegisterClass associates a class name with its constructor.
func (r *Registry) RegisterClass(class string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[class] = ctor
}

func (r *Registry) key(class string, id ID) string { return class + "/" + id.String() }

// GetOrCreate returns the live instance for (class, id), lazily constructing
// it (and recording its identity in do_instances) on first access.
func (r *Registry) GetOrCreate(ctx context.Context, class string, id ID) (*instance, error) {
	r.mu.Lock()
	key := r.key(class, id)
	if in, ok := r.instances[key]; ok {
		r.mu.Unlock()
		in.touch()
		return in, nil
	}
	ctor, ok := r.classes[class]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("durable object: unregistered class %q", class)
	}
	r.mu.Unlock()

	if _, err := r.store.DB.ExecContext(ctx, `
		INSERT INTO do_instances (class, id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(class, id) DO NOTHING
	`, class, id.String(), id.Name(), time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("durable object: recording instance: %w", err)
	}

	in := &instance{
		class:      class,
		id:         id,
		jobs:       make(chan func(), 64),
		lastActive: time.Now(),
	}
	state := &State{ID: id, Storage: newStorage(r.store, class, id.String()), inst: in}
	in.state = state

	go in.gateLoop()

	var constructErr error
	if err := in.run(ctx, func(ctx context.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				constructErr = fmt.Errorf("durable object constructor panicked: %v", rec)
			}
		}()
		in.obj = ctor(state)
	}); err != nil {
		return nil, err
	}
	if constructErr != nil {
		return nil, constructErr
	}

	r.mu.Lock()
	r.instances[key] = in
	r.mu.Unlock()
	return in, nil
}

// Dispatch runs fn against the (class,id) instance's gate, constructing it
// first if needed. The whole turn runs inside a single sqlite transaction
// over the instance's storage, so every write fn's storage calls make is
// coalesced and committed (or rolled back) atomically when fn returns.
func (r *Registry) Dispatch(ctx context.Context, class string, id ID, fn func(ctx context.Context, obj Object, state *State) error) error {
	in, err := r.GetOrCreate(ctx, class, id)
	if err != nil {
		return err
	}
	var callErr error
	if err := in.run(ctx, func(ctx context.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				callErr = fmt.Errorf("durable object handler panicked: %v", rec)
			}
		}()
		callErr = in.state.Storage.Transaction(ctx, func(ctx context.Context, txStorage *Storage) error {
			turnState := &State{ID: in.state.ID, Storage: txStorage, inst: in}
			return fn(ctx, in.obj, turnState)
		})
	}); err != nil {
		return err
	}
	return callErr
}

// Namespace is a binding-scoped handle to one registered actor class,
// mirroring the platform's `_setClass`-bound durable object namespace: every
// id it resolves is implicitly of this class.
type Namespace struct {
	registry *Registry
	class    string
}

// Namespace returns the namespace bound to class, registering ctor as its
// constructor if the class hasn't been registered yet.
func (r *Registry) Namespace(class string, ctor Constructor) *Namespace {
	r.mu.Lock()
	if _, ok := r.classes[class]; !ok {
		r.classes[class] = ctor
	}
	r.mu.Unlock()
	return &Namespace{registry: r, class: class}
}

// IDFromName derives this namespace's deterministic id for name.
func (n *Namespace) IDFromName(name string) ID { return IDFromName(n.class, name) }

// NewUniqueID generates a random id within this namespace's class.
func (n *Namespace) NewUniqueID() ID { return NewUniqueID() }

// Get returns a stub addressing id within this namespace's class.
func (n *Namespace) Get(id ID) *Stub { return n.registry.NewStub(n.class, id) }

// GetByName derives the id for name within this namespace's class and
// returns a stub addressing it, so repeated calls with the same name reach
// the same instance.
func (n *Namespace) GetByName(name string) *Stub { return n.registry.NewStub(n.class, n.IDFromName(name)) }

func (r *Registry) evictLoop() {
	interval := r.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopEvict:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, in := range r.instances {
		if in.idleFor() < r.idleTimeout {
			continue
		}
		if ws := in.sockets; ws != nil {
			ws.mu.Lock()
			open := len(ws.byID)
			ws.mu.Unlock()
			if open > 0 {
				continue
			}
		}
		close(in.jobs)
		delete(r.instances, key)
	}
}

// Stop halts the eviction loop.
func (r *Registry) Stop() {
	close(r.stopEvict)
}
