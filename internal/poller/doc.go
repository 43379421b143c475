// Package poller drives the live result feed of a single subscription.
//
// A [Worker] runs a small state machine:
//
//	Starting -> Polling -> Sleeping -> Polling -> ... -> Stopped
//	                    \-> Failed
//
// On start it polls immediately so a subscriber gets results without
// waiting a full interval. Each poll fetches the topic's current batch,
// keeps only items the subscription has not seen and pushes them to the
// subscription's delivery channel. A failed poll ends Run with an error;
// deciding whether to start a fresh worker is the supervisor's job.
//
// Cancellation is checked before every transition and during the sleep, so
// a cancelled worker stops without waiting out its interval and without
// pushing another batch.
package poller
