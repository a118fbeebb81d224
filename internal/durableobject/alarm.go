package durableobject

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	maxAlarmRetries     = 6
	alarmInitialBackoff = 2 * time.Second
)

// alarmState tracks retry progress for the currently scheduled alarm.
type alarmState struct {
	scheduledTime time.Time
	attempt       int
}

// AlarmInfo describes the retry state of a firing alarm, passed to
// Object.Alarm so a handler can tell a first attempt from a redelivery.
type AlarmInfo struct {
	RetryCount int
	IsRetry    bool
}

// GetAlarm returns the currently scheduled alarm time, if any.
func (r *Registry) GetAlarm(ctx context.Context, class string, id ID) (*time.Time, error) {
	row := r.store.DB.QueryRowContext(ctx, `SELECT alarm_time FROM do_alarms WHERE class = ? AND id = ?`, class, id.String())
	var unixSec sql.NullInt64
	if err := row.Scan(&unixSec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("durable object get alarm: %w", err)
	}
	if !unixSec.Valid {
		return nil, nil
	}
	t := time.Unix(unixSec.Int64, 0).UTC()
	return &t, nil
}

// SetAlarm schedules (or reschedules) the alarm for (class,id).
func (r *Registry) SetAlarm(ctx context.Context, class string, id ID, at time.Time) error {
	_, err := r.store.DB.ExecContext(ctx, `
		INSERT INTO do_alarms (class, id, alarm_time) VALUES (?, ?, ?)
		ON CONFLICT(class, id) DO UPDATE SET alarm_time=excluded.alarm_time
	`, class, id.String(), at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("durable object set alarm: %w", err)
	}
	return nil
}

// DeleteAlarm cancels any scheduled alarm for (class,id).
func (r *Registry) DeleteAlarm(ctx context.Context, class string, id ID) error {
	_, err := r.store.DB.ExecContext(ctx, `DELETE FROM do_alarms WHERE class = ? AND id = ?`, class, id.String())
	if err != nil {
		return fmt.Errorf("durable object delete alarm: %w", err)
	}
	return nil
}

// dueAlarm is one alarm ready to fire, as surfaced by due().
type dueAlarm struct {
	Class string
	ID    ID
}

func (r *Registry) due(ctx context.Context, at time.Time) ([]dueAlarm, error) {
	rows, err := r.store.DB.QueryContext(ctx, `SELECT class, id FROM do_alarms WHERE alarm_time <= ?`, at.Unix())
	if err != nil {
		return nil, fmt.Errorf("durable object due alarms: %w", err)
	}
	defer rows.Close()

	var out []dueAlarm
	for rows.Next() {
		var class, idHex string
		if err := rows.Scan(&class, &idHex); err != nil {
			return nil, err
		}
		out = append(out, dueAlarm{Class: class, ID: IDFromString(idHex)})
	}
	return out, nil
}

// RunAlarmLoop polls for due alarms every pollInterval (one second when
// pollInterval is not positive), dispatching each to its instance's Alarm
// method. The loop records the alarm time in effect when it picked an alarm
// up; after a successful run the alarm is deleted only if it still holds
// that time, so an alarm re-set by SetAlarm during the run is kept. The
// handler itself receives only the retry state in AlarmInfo, not that time.
func (r *Registry) RunAlarmLoop(ctx context.Context, log *logrus.Entry, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fireDueAlarms(ctx, log)
		}
	}
}

func (r *Registry) fireDueAlarms(ctx context.Context, log *logrus.Entry) {
	now := time.Now().UTC()
	due, err := r.due(ctx, now)
	if err != nil {
		log.WithError(err).Error("durable object: polling due alarms failed")
		return
	}
	for _, d := range due {
		scheduledTime, err := r.GetAlarm(ctx, d.Class, d.ID)
		if err != nil || scheduledTime == nil {
			continue
		}
		go r.fireOne(ctx, log, d.Class, d.ID, *scheduledTime, 1)
	}
}

func (r *Registry) fireOne(ctx context.Context, log *logrus.Entry, class string, id ID, scheduledTime time.Time, attempt int) {
	entry := log.WithFields(logrus.Fields{"class": class, "id": id.String(), "attempt": attempt})

	info := AlarmInfo{RetryCount: attempt - 1, IsRetry: attempt > 1}
	err := r.Dispatch(ctx, class, id, func(ctx context.Context, obj Object, state *State) error {
		return obj.Alarm(ctx, state, info)
	})
	if err == nil {
		if cur, gerr := r.GetAlarm(ctx, class, id); gerr == nil && cur != nil && cur.Equal(scheduledTime) {
			r.DeleteAlarm(ctx, class, id)
		}
		return
	}

	entry.WithError(err).Warn("durable object: alarm handler failed")
	if attempt > maxAlarmRetries {
		entry.Error("durable object: alarm retries exhausted, giving up")
		r.DeleteAlarm(ctx, class, id)
		return
	}

	backoff := time.Duration(1<<uint(attempt-1)) * alarmInitialBackoff
	time.AfterFunc(backoff, func() {
		r.fireOne(ctx, log, class, id, scheduledTime, attempt+1)
	})
}
