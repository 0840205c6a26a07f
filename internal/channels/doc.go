// Package channels implements the append-only per-channel message log used
// for agent coordination.
//
// # Ordering
//
// Each channel has its own mutex. Appends, reads, membership changes and
// subscriber notification for one channel are serialized through it, so
// append order, notification order and read order are identical. Channels
// never block each other.
//
// Every (agent, channel) pair has its own sequence counter starting at 0.
// Sequence numbers are assigned only after validation and the capacity check
// succeed, so a rejected append never leaves a gap.
//
// # Backpressure
//
// A channel accepts at most MaxMessages messages. Once full, Append fails
// with a capacity_exceeded error; nothing is evicted.
//
// # Subscriptions
//
// Subscribe returns an unbounded queue that receives every message appended
// after the call. A subscription that has been closed is dropped on the next
// delivery attempt.
//
//	sub := store.Subscribe("proj")
//	defer store.Unsubscribe(sub)
//	for {
//	    msg, err := sub.Next(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    handle(msg)
//	}
package channels
