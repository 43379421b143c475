// Package supervisor owns the lifecycle of subscription workers.
//
// A failed worker is replaced by a fresh one after an exponential backoff,
// as long as the subscription stays within its restart budget: at most
// MaxRestarts restarts inside a sliding window. Past the budget the
// subscription is escalated: its sink receives one terminal batch wrapping
// [ErrEscalated] and then nothing more.
//
// The policy treats every failure the same way, whatever its cause.
package supervisor
