package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/store"
)

func enqueue(t *testing.T, env *testEnv, payloads ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		res, err := env.worker.Dispatch(context.Background(), MessageEvent{Kind: MessageCacheForSync, Payload: []byte(p)})
		require.NoError(t, err)
		require.NotEmpty(t, res.RecordID)
		ids = append(ids, res.RecordID)
	}
	return ids
}

func Test_Sync_Submits_In_Creation_Order_When_Draining(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	enqueue(t, env, "A", "B", "C")

	sum, err := env.worker.sync.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, env.submit.payloads())
	assert.Equal(t, 3, sum.Submitted)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, env.worker.queue.Len())
}

func Test_Sync_Keeps_Failed_Record_When_Submission_Fails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ids := enqueue(t, env, "A", "B", "C")
	env.submit.failTimes["B"] = 1
	ctx := context.Background()

	sum, err := env.worker.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Submitted)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []string{"A", "C"}, env.submit.payloads())

	rec, err := env.worker.queue.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "remote rejected B")

	sum, err = env.worker.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Submitted)
	assert.Equal(t, []string{"A", "C", "B"}, env.submit.payloads())
	assert.Zero(t, env.worker.queue.Len())
}

func Test_Sync_Submits_Once_When_Drains_Overlap(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ids := enqueue(t, env, "A")
	env.submit.gate = make(chan struct{})
	env.submit.entered = make(chan struct{}, 4)
	ctx := context.Background()

	first := make(chan Summary, 1)
	go func() {
		sum, _ := env.worker.sync.Drain(ctx)
		first <- sum
	}()
	select {
	case <-env.submit.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first drain never submitted")
	}

	second, err := env.worker.sync.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Submitted)

	close(env.submit.gate)
	sum := <-first
	assert.Equal(t, 1, sum.Submitted)
	assert.Equal(t, []string{"A"}, env.submit.payloads())

	notes := env.notifier.received()
	require.Len(t, notes, 1)
	assert.Equal(t, "sync-"+ids[0], notes[0].Tag)
	assert.Equal(t, ids[0], notes[0].Data["recordId"])
}

func Test_Sync_Does_Nothing_When_Queue_Empty(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	sum, err := env.worker.sync.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Session: sum.Session}, sum)
	assert.Empty(t, env.submit.payloads())
	assert.Empty(t, env.notifier.received())
}

func Test_Sync_Confirms_Delivery_When_Record_Removed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	enqueue(t, env, "A", "B")

	_, err := env.worker.sync.Drain(context.Background())
	require.NoError(t, err)

	notes := env.notifier.received()
	require.Len(t, notes, 2)
	assert.Equal(t, "Report sent", notes[0].Title)
	assert.Equal(t, UrgencyLow, notes[0].Urgency)
}

func Test_Sync_Enqueues_Location_When_Position_Available(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.worker.sync.position = fakePosition{pos: Position{Lat: 52.5, Lng: 13.4, At: at}}

	id, err := env.worker.sync.RecordPosition(context.Background())
	require.NoError(t, err)

	rec, err := env.worker.queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, KindLocation, rec.Kind)

	var pos Position
	require.NoError(t, json.Unmarshal(rec.Payload, &pos))
	assert.Equal(t, 52.5, pos.Lat)
	assert.True(t, pos.At.Equal(at))
}

func Test_Sync_Skips_Location_When_Position_Unavailable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	id, err := env.worker.sync.RecordPosition(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)

	env.worker.sync.position = fakePosition{err: errors.New("denied")}
	_, err = env.worker.sync.RecordPosition(context.Background())
	require.Error(t, err)
	assert.Zero(t, env.worker.queue.Len())
}

func Test_Sync_Coalesces_Triggers_When_Loop_Busy(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	env.worker.sync.Trigger("a")
	env.worker.sync.Trigger("b")
	env.worker.sync.Trigger("c")

	assert.Len(t, env.worker.sync.triggerCh, 1)
	assert.Equal(t, "a", <-env.worker.sync.triggerCh)
}

func Test_Sync_Loop_Drains_When_Triggered(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.worker.sync.run(ctx, 0)
		close(done)
	}()

	enqueue(t, env, "A")

	require.Eventually(t, func() bool { return env.worker.queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{"A"}, env.submit.payloads())
}
