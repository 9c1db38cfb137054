/*
Package events provides an in-process publish/subscribe broker for pool
lifecycle events.

The broker is intentionally separate from the KV store's pub/sub: the
arbiter's control plane (probe requests and replies) rides on the shared
store because it crosses process boundaries, while these events stay inside
one process and exist for observers — structured-log subscribers, metrics
bridges, and tests asserting that a restart or an archival actually
happened.

Event types:

	worker.spawned        a pet-server subprocess came up
	worker.crashed        supervisor found the subprocess exited
	worker.restarted      restart completed, generation bumped
	worker.ram_exceeded   RSS crossed the configured limit
	worker.stopped        shutdown terminated the subprocess
	session.created       a new session was assigned a worker
	session.archived      a session was appended to the archive list
	session.replay        stale states were replayed for a call

Delivery is best-effort: each subscriber gets a buffered channel and slow
subscribers drop events rather than stall the publisher.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			logger.Info().Str("type", string(ev.Type)).Msg(ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventWorkerRestarted,
		Message:  "pet-server restarted",
		Metadata: map[string]string{"pet_idx": "2"},
	})
*/
package events
