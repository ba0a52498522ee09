package feed

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"
)

// Bus is a one to many subscription feed of domain events. Subscribers are
// at-least-once consumers; slow subscribers only delay delivery, they never
// drop events.
//
//	ch := make(chan *feed.Event, 16) // Choose a reasonable buffer size!
//	sub := bus.Subscribe(ch)
//	defer sub.Unsubscribe()
type Bus struct {
	once sync.Once
	feed *event.Feed
}

// NewBus returns a ready event bus.
func NewBus() *Bus {
	return &Bus{feed: new(event.Feed)}
}

func (b *Bus) init() {
	b.once.Do(func() {
		if b.feed == nil {
			b.feed = new(event.Feed)
		}
	})
}

// Send delivers the event to all current subscribers and returns the number
// of subscribers that received it.
func (b *Bus) Send(ev *Event) int {
	b.init()
	return b.feed.Send(ev)
}

// Subscribe registers a channel for all events. The subscription must be
// unsubscribed when the consumer stops draining the channel.
func (b *Bus) Subscribe(ch chan<- *Event) event.Subscription {
	b.init()
	return b.feed.Subscribe(ch)
}
