// Package history keeps per-session search history.
//
// The core only needs a key-value contract: [Store.Get] and [Store.Set]
// keyed by an opaque session id. Minting that id is the caller's business.
//
// The main components are:
//
//   - [Store]: the key-value contract
//   - [MemoryStore]: an in-memory Store, lost on restart
//   - [Entry]: one search and its results
//   - [Prepend]: newest-first, capped history update
package history
