// Package watcher monitors directory trees for file changes and hands each
// changed path to a callback.
//
// Every monitored root gets its own goroutine. Events are debounced per path,
// so a burst of writes to one file produces a single callback. Callback
// errors and panics are logged and never stop monitoring.
package watcher
