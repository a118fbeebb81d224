package cron

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler is invoked once per matching minute tick, receiving the cron
// expression text that triggered it.
type Handler func(ctx context.Context, cronExpr string, scheduledTime time.Time)

// Trigger pairs a parsed expression with its original text for reporting.
type Trigger struct {
	Expr *Expression
	Text string
}

// Scheduler ticks once a minute, invoking Handler for every trigger whose
// expression matches the current UTC minute.
type Scheduler struct {
	log      *logrus.Logger
	handler  Handler
	triggers []Trigger
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler builds a scheduler over the given cron expressions. Invalid
// expressions are skipped with a logged warning rather than failing startup.
func NewScheduler(log *logrus.Logger, exprs []string, handler Handler) *Scheduler {
	s := &Scheduler{log: log, handler: handler, stop: make(chan struct{}), done: make(chan struct{})}
	for _, e := range exprs {
		parsed, err := Parse(e)
		if err != nil {
			log.WithError(err).WithField("expression", e).Warn("cron: skipping invalid trigger")
			continue
		}
		s.triggers = append(s.triggers, Trigger{Expr: parsed, Text: e})
	}
	return s
}

// Run blocks, firing matching triggers at the top of every minute, until ctx
// is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case tick := <-timer.C:
			s.fire(ctx, tick.UTC())
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, at time.Time) {
	s.mu.Lock()
	triggers := make([]Trigger, len(s.triggers))
	copy(triggers, s.triggers)
	s.mu.Unlock()

	for _, t := range triggers {
		if !t.Expr.Matches(at) {
			continue
		}
		expr, scheduled := t.Text, at
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("expression", expr).Errorf("cron: handler panicked: %v", r)
				}
			}()
			s.handler(ctx, expr, scheduled)
		}()
	}
}

// Stop halts the scheduler loop and waits for Run to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}
