// Package upstream defines the contract between the core and the slow,
// quota-metered search provider it polls.
//
// The main components are:
//
//   - [Client]: the operations the core needs (topic search, item lookup,
//     tag search, channel profile, latest channel items)
//   - [Item] and [Channel]: immutable result values
//   - [Error], [ErrUpstream], [ErrNotFound], [ErrTimeout]: the error taxonomy
//   - [YouTube]: a [Client] backed by the YouTube Data API v3
//
// The core never builds provider requests itself. Quota keys, transport and
// HTTP-level concerns stay inside [Client] implementations.
package upstream
