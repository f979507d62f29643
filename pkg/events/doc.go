/*
Package events implements a small in-memory pub/sub broker for
notable occurrences in the force-application pipeline: a batch
committed or aborted, a class was created/renamed/deleted, an FK
cascade fired, or this node gained/lost Raft leadership.

Publish is non-blocking (Start runs a single fan-out goroutine reading
off a buffered channel); a slow or absent subscriber never blocks the
publisher, and a full subscriber buffer silently drops that event
rather than backing up the broker.
*/
package events
