/*
Package reconciler runs the background repair loop.

Each cycle walks a fixed sequence: junk file sweep, timed-out claim
reset, purge of expired permanently-failed items, purge of stray
completed records, orphaned-bytes sweep, queue depth refresh, throttled
store compaction, and finally an empty-directory sweep.

The orphan sweep honors a grace window keyed on file modification time
so it never races a write whose bytes have landed but whose record has
not. Compaction runs per tenant on its own slow interval, independent
of the cycle cadence.
*/
package reconciler
