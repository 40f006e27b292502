// Package worker implements the offline worker lifecycle for one site:
// install pre-caches the seed URLs into the current versioned bucket
// (all-or-nothing), activate purges every other bucket and claims clients,
// and fetch answers each intercepted request cache-first with a network
// fallback that stores valid same-origin 200 responses. Messages, push,
// background sync and notification clicks are handled as well.
//
// Registration is the host side: it owns the installing/waiting/active
// workers, dispatches each event on its own goroutine and hands back a
// Pending result the caller awaits.
package worker
