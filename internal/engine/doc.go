// Package engine implements the client event queue and its single-flight
// processing loop.
//
// ARCHITECTURE:
//
// Single-Flight FIFO:
// Events are appended to an unbounded FIFO queue by the UI, by the remote
// processor (follow-up events) and by local special-event handlers. Drain
// pops them one at a time behind a processing gate:
//
//  1. Enqueue appends, then calls Drain
//  2. Drain takes the gate (CompareAndSwap idle→busy) and pops the head
//  3. The event is classified and dispatched:
//     - handler-tagged (uploadFiles) → upload streamer, gate released
//     - "_"-prefixed special → handled locally, gate released
//     - anything else → token/route stamped, sent, gate kept
//  4. The loop continues until the queue is empty or an event awaits a reply
//
// Inbound Pipeline:
// Every Update (websocket frame or upload response line) passes through
// HandleUpdate under one mutex: apply delta → persist client storage →
// enqueue follow-up events → move the gate (websocket only: busy while
// final=false) → Drain.
//
// Stall Policy:
// The gate is forced idle on every (re)connect. An optional in-flight timeout
// releases it when no final Update arrives in time. A failed send releases it
// and drops the event; there is no retry.
//
// CRITICAL PATTERNS:
//
// Generation-tagged gate:
// The gate word holds a generation counter next to the busy bit. Timers
// release only the generation that armed them, so a late timeout can never
// free the gate for a newer in-flight event.
//
// No recursion:
// Draining is an explicit loop; long bursts of local events never grow the
// stack.
package engine
