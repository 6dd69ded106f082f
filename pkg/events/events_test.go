package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishReachesSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Progress("run-1", "node-a", 0.5)

	select {
	case ev := <-sub:
		assert.Equal(t, EventProgress, ev.Type)
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, 0.5, ev.Progress)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroker_FullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 1000; i++ {
		b.Progress("run-1", "node-a", float64(i))
	}

	require.Eventually(t, func() bool { return len(sub) > 0 }, time.Second, time.Millisecond)
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBroker_RunCompleteCarriesOutcome(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.RunComplete("run-2", false, "ResourceExhausted")

	select {
	case ev := <-sub:
		assert.Equal(t, EventRunComplete, ev.Type)
		assert.False(t, ev.Success)
		assert.Equal(t, "ResourceExhausted", ev.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}
