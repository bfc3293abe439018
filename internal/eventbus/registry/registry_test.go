package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusbus/nexusbus/internal/eventbus/model"
)

func TestCreateAndFanoutCandidates(t *testing.T) {
	// spec §8 scenario S2
	r := New(8, nil)
	sub, err := r.Create("user.*", Options{})
	require.NoError(t, err)

	ctx := context.Background()
	r.Deliver(ctx, *model.New("user.login", nil))
	r.Deliver(ctx, *model.New("order.created", nil))
	r.Deliver(ctx, *model.New("user.logout", nil))

	events, _, err := sub.Events(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "user.login", events[0].Topic)
	assert.Equal(t, "user.logout", events[1].Topic)
}

func TestInvalidPatternRejected(t *testing.T) {
	r := New(8, nil)
	_, err := r.Create("", Options{})
	assert.Error(t, err)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r := New(8, nil)
	sub, err := r.Create("a.b", Options{})
	require.NoError(t, err)

	existed, err := sub.Unsubscribe()
	require.NoError(t, err)
	assert.True(t, existed)

	existedAgain, err := sub.Unsubscribe()
	require.NoError(t, err)
	assert.False(t, existedAgain)
}

func TestBackpressureBlockWithTimeoutIsolatesSubscriptions(t *testing.T) {
	// spec §8 property 10
	r := New(1, nil)
	slow, err := r.Create("t", Options{BufferSize: 1, BlockTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	fast, err := r.Create("t", Options{BufferSize: 4})
	require.NoError(t, err)

	ctx := context.Background()
	// Fill slow's queue so the next delivery must wait out its timeout.
	r.Deliver(ctx, *model.New("t", nil))
	start := time.Now()
	r.Deliver(ctx, *model.New("t", nil))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond)

	fastEvents, _, err := fast.Events(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, fastEvents, 2, "fast subscription must receive both events despite slow's backpressure")

	_ = slow
	assert.Equal(t, int64(1), slow.DroppedCounter())
}

func TestDropNewestPolicy(t *testing.T) {
	r := New(1, nil)
	sub, err := r.Create("t", Options{BufferSize: 1, Policy: DropNewest})
	require.NoError(t, err)

	ctx := context.Background()
	r.Deliver(ctx, *model.New("t", nil))
	r.Deliver(ctx, *model.New("t", nil)) // dropped immediately, no wait

	assert.Equal(t, int64(1), sub.DroppedCounter())
}

func TestQueueGroupRoundRobin(t *testing.T) {
	r := New(8, nil)
	a, err := r.Create("work", Options{QueueGroup: "workers"})
	require.NoError(t, err)
	b, err := r.Create("work", Options{QueueGroup: "workers"})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		r.Deliver(ctx, *model.New("work", nil))
	}

	aEvents, _, _ := a.Events(ctx, 10, 50*time.Millisecond)
	bEvents, _, _ := b.Events(ctx, 10, 50*time.Millisecond)
	assert.Equal(t, 4, len(aEvents)+len(bEvents))
	assert.NotEqual(t, 0, len(aEvents))
	assert.NotEqual(t, 0, len(bEvents))
}

func TestDestroyWakesBlockedReader(t *testing.T) {
	r := New(8, nil)
	sub, err := r.Create("a", Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := sub.Events(context.Background(), 10, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = r.Destroy(sub.ID())
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Destroy did not wake blocked reader")
	}
}
