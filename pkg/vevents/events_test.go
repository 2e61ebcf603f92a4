package vevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventStandbyFailing, Message: "standby-2 unreachable"})

	select {
	case evt := <-sub:
		assert.Equal(t, EventStandbyFailing, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBrokerPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	for i := 0; i < 1000; i++ {
		b.Publish(&Event{Type: EventCheckpointTaken})
	}
	// Drain at least one to prove the broker kept making progress.
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("broker appears to have deadlocked on a full subscriber")
	}
}
