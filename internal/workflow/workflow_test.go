package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evalgo/edgerun/internal/bindingerr"
	"github.com/evalgo/edgerun/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, "order-processor")
}

func TestCreateAndRunToCompletion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{Params: json.RawMessage(`{"orderId":42}`)})
	require.NoError(t, err)

	err = e.Run(ctx, inst.ID, func(ctx context.Context, wf *Context, params json.RawMessage) (json.RawMessage, error) {
		out, err := wf.Do(ctx, "charge-card", RetryPolicy{}, func(ctx context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"charged":true}`), nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	require.NoError(t, err)

	final, err := e.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, final.Status)
	require.JSONEq(t, `{"charged":true}`, string(final.Output))
}

func TestStepIsCheckpointedNotReRun(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	wf := &Context{engine: e, instanceID: inst.ID}
	calls := 0
	step := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"ok"`), nil
	}

	_, err = wf.Do(ctx, "only-once", RetryPolicy{}, step)
	require.NoError(t, err)
	_, err = wf.Do(ctx, "only-once", RetryPolicy{}, step)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	wf := &Context{engine: e, instanceID: inst.ID}
	attempts := 0
	out, err := wf.Do(ctx, "flaky", RetryPolicy{Limit: 3, Delay: time.Millisecond, Backoff: BackoffConstant}, func(ctx context.Context) (json.RawMessage, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient failure")
		}
		return json.RawMessage(`"recovered"`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.JSONEq(t, `"recovered"`, string(out))
}

func TestStepNonRetryableFailsImmediately(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	wf := &Context{engine: e, instanceID: inst.ID}
	attempts := 0
	_, err = wf.Do(ctx, "fatal", RetryPolicy{Limit: 5, Delay: time.Millisecond}, func(ctx context.Context) (json.RawMessage, error) {
		attempts++
		return nil, bindingerr.NewNonRetryable(errors.New("bad input"))
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestSleepUntilPastDeadlineReturnsImmediately(t *testing.T) {
	e := newTestEngine(t)
	wf := &Context{engine: e, instanceID: "x"}

	start := time.Now()
	err := wf.SleepUntil(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitForEventResolvesOnSendEvent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.SendEvent(ctx, inst.ID, "payment-confirmed", json.RawMessage(`{"ok":true}`))
	}()

	wf := &Context{engine: e, instanceID: inst.ID}
	payload, err := wf.WaitForEvent(ctx, "payment-confirmed", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestWaitForEventTimesOut(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	wf := &Context{engine: e, instanceID: inst.ID}
	_, err = wf.WaitForEvent(ctx, "never-arrives", 50*time.Millisecond)
	require.Error(t, err)
}

func TestPause_CancelsBlockedWaitForEvent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- e.Run(ctx, inst.ID, func(ctx context.Context, wf *Context, params json.RawMessage) (json.RawMessage, error) {
			return wf.WaitForEvent(ctx, "never-arrives", time.Hour)
		})
	}()

	require.Eventually(t, func() bool {
		cur, err := e.Get(ctx, inst.ID)
		return err == nil && cur.Status == StatusRunning
	}, time.Second, time.Millisecond)

	require.NoError(t, e.Pause(ctx, inst.ID))

	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Pause")
	}

	final, err := e.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, final.Status)
}

func TestResume_RequiresPausedStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	err = e.Resume(ctx, inst.ID)
	require.Error(t, err)

	require.NoError(t, e.Pause(ctx, inst.ID))
	require.NoError(t, e.Resume(ctx, inst.ID))

	final, err := e.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, final.Status)
}

func TestRestart_ClearsCheckpointedSteps(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	wf := &Context{engine: e, instanceID: inst.ID}
	calls := 0
	step := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"ok"`), nil
	}
	_, err = wf.Do(ctx, "only-once", RetryPolicy{}, step)
	require.NoError(t, err)

	require.NoError(t, e.Restart(ctx, inst.ID))

	_, err = wf.Do(ctx, "only-once", RetryPolicy{}, step)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	final, err := e.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, final.Status)
}

func TestTerminate_CancelsBlockedSleep(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	inst, err := e.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- e.Run(ctx, inst.ID, func(ctx context.Context, wf *Context, params json.RawMessage) (json.RawMessage, error) {
			return nil, wf.Sleep(ctx, time.Hour)
		})
	}()

	require.Eventually(t, func() bool {
		cur, err := e.Get(ctx, inst.ID)
		return err == nil && cur.Status == StatusRunning
	}, time.Second, time.Millisecond)

	require.NoError(t, e.Terminate(ctx, inst.ID))

	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Terminate")
	}

	final, err := e.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTerminated, final.Status)
}
