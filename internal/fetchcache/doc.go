// Package fetchcache collapses duplicate upstream calls.
//
// A [Cache] sits in front of an upstream client and memoizes each
// (operation, parameter) pair for a bounded time. Concurrent misses on the
// same key share one in-flight call; failures are replayed only for a short
// negative TTL so a failing provider is not hammered but is retried soon.
//
// The cache is the only state shared between subscriptions. It never needs
// releasing when a subscription ends.
package fetchcache
