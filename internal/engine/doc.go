// Package engine defines the transmit engine contract shared by every LED
// output backend.
//
// An engine accepts encoded units with Enqueue, starts sending everything
// queued with Show and reports progress through a non-blocking Poll. Units
// stay owned by the engine from Enqueue until the Poll that first observes
// Ready or Error; that Poll is the only place buffers go back to channels.
//
// State transitions:
//
//	from            event                               to
//	Ready           Show with at least one unit         Busy
//	Ready           Show with nothing queued            Ready
//	Busy            all but the tail handed to hardware Draining
//	Busy, Draining  Poll observes completion            Ready  (units released)
//	Busy, Draining  Poll observes a fault               Error  (units released)
//	Error           Poll after the fault cleared        Ready
//	Error           Poll while the fault persists       Error
//
// Show while a batch is still in flight waits, bounded, for it first.
// Backends keep their own queues in a Batch value; there is no shared base
// type. They also implement Queuer and Discarder, and Forgetter when they
// hold per-unit state; the router relies on these when it retires an
// engine.
package engine
