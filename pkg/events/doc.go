/*
Package events provides the in-memory event broker of the sync engine.

Components publish what they observed and any number of subscribers
receive it asynchronously:

	cache.updated, cache.replaced, cache.deleted   MemoryStore writes
	connection.state_changed                       realtime Manager
	notification.raised                            Dispatcher
	mutation.rolled_back                           Mutator

Publish never waits on a subscriber. Each subscriber has a buffer of 50
events and events that do not fit are dropped for that subscriber, so
consumers that need every change should re-read the cache rather than
rely on the stream.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["key"])
	}
*/
package events
