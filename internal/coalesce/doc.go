// Package coalesce turns raw backend events into debounced, collapsed
// notifications. All engine state is owned by a single goroutine:
// events, timer firings, and flush requests arrive as messages, so no
// lock covers the accumulator maps.
//
// Per path the engine keeps at most one pending change. Raw events
// collapse into the smallest equivalent net change: a burst of writes
// is one Modified, create-write-write is one Created, and a file
// created and deleted inside one window produces nothing at all.
// Rename halves pair by backend cookie when present, otherwise by
// arrival order within the pairing window; an unpaired source half
// degrades to Deleted, an unpaired destination half to Created.
// Arrival-order pairing is best effort: two renames overlapping in
// one window can cross-pair, so a wrongly paired Renamed is possible
// on cookie-less backends where separate Deleted and Created would be
// correct. The result still names real paths, only the linkage is
// guessed.
package coalesce
