// Package adapter wires a resolved config.Config into the concrete binding
// instances a request handler sees: named KV namespaces, R2 buckets, D1
// databases, queue producers, durable object namespaces, and workflow
// engines, plus the cron triggers and queue consumers that run in the
// background.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/edgerun/internal/cache"
	"github.com/evalgo/edgerun/internal/config"
	"github.com/evalgo/edgerun/internal/cron"
	"github.com/evalgo/edgerun/internal/d1"
	"github.com/evalgo/edgerun/internal/durableobject"
	"github.com/evalgo/edgerun/internal/kv"
	"github.com/evalgo/edgerun/internal/objectstore"
	"github.com/evalgo/edgerun/internal/queue"
	"github.com/evalgo/edgerun/internal/store"
	"github.com/evalgo/edgerun/internal/workflow"
)

// Bindings is the fully wired set of bindings available to request handlers.
type Bindings struct {
	Store *store.Store

	KV       map[string]*kv.Namespace
	R2       map[string]*objectstore.Bucket
	D1       map[string]*d1.Database
	Queues   map[string]*queue.Producer
	Workflows map[string]*workflow.Engine
	Caches   map[string]*cache.Cache

	QueueIndex     *queue.Index
	DurableObjects *durableobject.Registry
	Cron           *cron.Scheduler
	consumers      map[string]*queue.Consumer

	// DurableObjectBindings maps a durable_objects binding name to the
	// class name config declared for it.
	DurableObjectBindings map[string]string

	// DurableObjectNamespaces maps a durable_objects binding name to its
	// class-scoped namespace once RegisterDurableObjectClass has wired a
	// constructor for it.
	DurableObjectNamespaces map[string]*durableobject.Namespace

	// QueueHandlers maps a queue name to the user code that processes its
	// batches; RunBackgroundLoops falls back to auto-ack when a queue has
	// no registered handler.
	QueueHandlers map[string]queue.BatchHandler
}

// Build opens the shared store and every binding named in cfg.
func Build(ctx context.Context, log *logrus.Logger, cfg *config.Config) (*Bindings, error) {
	s, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("adapter: opening store: %w", err)
	}

	b := &Bindings{
		Store:         s,
		KV:            map[string]*kv.Namespace{},
		R2:            map[string]*objectstore.Bucket{},
		D1:            map[string]*d1.Database{},
		Queues:        map[string]*queue.Producer{},
		Workflows:     map[string]*workflow.Engine{},
		Caches:        map[string]*cache.Cache{},
		consumers:     map[string]*queue.Consumer{},
		QueueHandlers: map[string]queue.BatchHandler{},
	}

	for _, n := range cfg.KVNamespaces {
		b.KV[n.Binding] = kv.New(s, n.Namespace)
	}
	for _, r := range cfg.R2Buckets {
		b.R2[r.Binding] = objectstore.New(s, r.Bucket)
	}
	for _, d := range cfg.D1Databases {
		db, err := d1.Open(s, d.DatabaseName)
		if err != nil {
			return nil, fmt.Errorf("adapter: opening d1 database %q: %w", d.DatabaseName, err)
		}
		b.D1[d.Binding] = db
	}

	idx, err := queue.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("adapter: starting queue index: %w", err)
	}
	if err := queue.RebuildIndex(ctx, s, idx); err != nil {
		return nil, fmt.Errorf("adapter: rebuilding queue index: %w", err)
	}
	b.QueueIndex = idx
	for _, p := range cfg.Queues.Producers {
		b.Queues[p.Binding] = queue.NewProducer(s, idx, p.Queue)
	}
	for _, c := range cfg.Queues.Consumers {
		consumer := queue.NewConsumer(s, idx, c.Queue, queue.ConsumerConfig{
			MaxBatchSize:      c.MaxBatchSize,
			MaxBatchTimeout:   time.Duration(c.MaxBatchTimeout) * time.Second,
			MaxRetries:        c.MaxRetries,
			DeadLetterQueue:   c.DeadLetterQueue,
		})
		b.consumers[c.Queue] = consumer
	}

	for _, w := range cfg.Workflows {
		b.Workflows[w.Binding] = workflow.New(s, w.Name)
	}

	b.DurableObjects = durableobject.NewRegistry(s, 2*time.Minute)
	b.DurableObjectBindings = map[string]string{}
	for _, d := range cfg.DurableObjects.Bindings {
		b.DurableObjectBindings[d.Binding] = d.ClassName
	}
	b.DurableObjectNamespaces = map[string]*durableobject.Namespace{}

	b.Caches["default"] = cache.New(s, "default")

	var exprs []string
	for _, t := range cfg.Triggers.Crons {
		exprs = append(exprs, t.Expression)
	}
	b.Cron = cron.NewScheduler(log, exprs, func(ctx context.Context, expr string, at time.Time) {
		log.WithFields(logrus.Fields{"cron": expr, "scheduled_time": at}).Info("cron: trigger fired")
	})

	return b, nil
}

// RegisterDurableObjectClass wires ctor as the constructor for the class
// bound to binding in config, returning the resulting namespace. It must be
// called once per durable_objects binding before any handler looks that
// binding up.
func (b *Bindings) RegisterDurableObjectClass(binding string, ctor durableobject.Constructor) (*durableobject.Namespace, error) {
	class, ok := b.DurableObjectBindings[binding]
	if !ok {
		return nil, fmt.Errorf("adapter: no durable_objects binding named %q", binding)
	}
	ns := b.DurableObjects.Namespace(class, ctor)
	b.DurableObjectNamespaces[binding] = ns
	return ns, nil
}

// OpenCache opens (or returns the cached handle for) a named cache, used by
// caches.open(name).
func (b *Bindings) OpenCache(name string) *cache.Cache {
	if c, ok := b.Caches[name]; ok {
		return c
	}
	c := cache.New(b.Store, name)
	b.Caches[name] = c
	return c
}

// RunBackgroundLoops starts the cron scheduler and every configured queue
// consumer loop; it blocks until ctx is canceled.
func (b *Bindings) RunBackgroundLoops(ctx context.Context, log *logrus.Logger) {
	go b.Cron.Run(ctx)
	go b.DurableObjects.RunAlarmLoop(ctx, log.WithField("component", "durable-object-alarms"), time.Second)

	for queueName, c := range b.consumers {
		handler, ok := b.QueueHandlers[queueName]
		if !ok {
			handler = func(ctx context.Context, batch *queue.Batch) {
				if err := batch.AckAll(ctx); err != nil {
					log.WithError(err).Warn("queue consumer: ack failed")
				}
			}
		}
		go c.RunLoop(ctx, log.WithField("component", "queue-consumer").WithField("queue", queueName), handler)
	}

	<-ctx.Done()
}

// Close releases every binding's underlying resource.
func (b *Bindings) Close() error {
	b.Cron.Stop()
	b.DurableObjects.Stop()
	if b.QueueIndex != nil {
		b.QueueIndex.Close()
	}
	for _, db := range b.D1 {
		db.Close()
	}
	return b.Store.Close()
}
