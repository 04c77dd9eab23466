package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventRoleChanged, Message: "n1 became leader"})

	select {
	case e := <-sub:
		assert.Equal(t, EventRoleChanged, e.Type)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerFansOutToMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventPeerDropped})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case e := <-sub:
			assert.Equal(t, EventPeerDropped, e.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestLogRecordsPublishedEvents(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	l := NewLog(b, 2)
	defer l.Close(b)

	b.Publish(&Event{Type: EventRoleChanged, Message: "first"})
	b.Publish(&Event{Type: EventTermAdvanced, Message: "second"})

	require.Eventually(t, func() bool {
		return len(l.Recent()) == 2
	}, time.Second, time.Millisecond)

	recent := l.Recent()
	assert.Equal(t, EventRoleChanged, recent[0].Type)
	assert.Equal(t, EventTermAdvanced, recent[1].Type)
}

func TestLogDropsOldestPastCapacity(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	l := NewLog(b, 2)
	defer l.Close(b)

	b.Publish(&Event{Type: EventPeerJoined, Message: "1"})
	b.Publish(&Event{Type: EventPeerStatusChanged, Message: "2"})
	b.Publish(&Event{Type: EventPeerDropped, Message: "3"})

	require.Eventually(t, func() bool {
		recent := l.Recent()
		return len(recent) == 2 && recent[len(recent)-1].Type == EventPeerDropped
	}, time.Second, time.Millisecond)

	recent := l.Recent()
	assert.Equal(t, EventPeerStatusChanged, recent[0].Type)
	assert.Equal(t, EventPeerDropped, recent[1].Type)
}
