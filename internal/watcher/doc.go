// Package watcher ties the pieces together: a registry of watched
// roots, one event source backend, the coalescing engine, and the
// dispatch buses consumers subscribe to. The Watcher runs a strict
// Idle -> Running -> Stopping -> Stopped lifecycle; a stopped watcher
// stays stopped and a new instance is created to watch again.
package watcher
