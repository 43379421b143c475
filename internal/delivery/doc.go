// Package delivery carries result batches from a polling worker to its
// subscriber.
//
// A [Channel] is bounded and never blocks the producer. When it is full the
// oldest pending batch is discarded to make room, so a slow consumer sees
// the N most recent batches rather than every batch. Delivery is
// at-most-N-most-recent, not all-batches.
package delivery
