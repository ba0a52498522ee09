package feed_test

import (
	"testing"
	"time"

	"github.com/chamalabs/chama/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := feed.NewBus()

	first := make(chan *feed.Event, 1)
	second := make(chan *feed.Event, 1)
	subA := bus.Subscribe(first)
	defer subA.Unsubscribe()
	subB := bus.Subscribe(second)
	defer subB.Unsubscribe()

	n := bus.Send(&feed.Event{Type: feed.RotationAdvanced, Data: &feed.RotationData{GroupID: "g1", RotationIndex: 1}})
	assert.Equal(t, 2, n)

	for _, ch := range []chan *feed.Event{first, second} {
		select {
		case ev := <-ch:
			require.Equal(t, feed.RotationAdvanced, ev.Type)
			data, ok := ev.Data.(*feed.RotationData)
			require.True(t, ok)
			assert.Equal(t, "g1", data.GroupID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := feed.NewBus()
	ch := make(chan *feed.Event, 1)
	sub := bus.Subscribe(ch)
	sub.Unsubscribe()
	assert.Equal(t, 0, bus.Send(&feed.Event{Type: feed.GroupCreated}))
}
