/*
Package events provides the in-memory event broker for the control
plane's pub/sub messaging.

Components publish control-plane events (network lifecycle, worker
registration and failure, backup activation, config changes, license
transitions) without knowing who consumes them. Subscribers receive
events over buffered channels; a slow subscriber drops events rather
than blocking the publisher.

# Flow

	Publisher → Event Channel (buffer: 100)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 50 each)

Typical subscribers are the monitoring system (durable event log), the
dashboard snapshot builder and CLI streams.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for event := range sub {
			fmt.Println(event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventNetworkCreated,
		Message: "network created",
	})

Delivery is best-effort and unordered across subscribers; components
that need durability write to the monitoring store instead.
*/
package events
