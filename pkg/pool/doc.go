/*
Package pool manages the mounted volumes and the write path.

Volumes are admitted through a stabilizing health probe: a bounded run
of checks that must observe two consecutive healthy results before the
volume joins the pool. Writes pick the healthy volume with the most
free space.

A write happens in two phases. Quota counters are reserved first under
the tenant mutex, then the bytes land on the chosen volume, then the
metadata record is inserted. If the metadata insert fails the bytes are
unlinked and the quota reservation released, so a failed write never
leaves a claimable record behind. Bytes that survive a failed rollback
are reclaimed later by the reconciler's orphan sweep.
*/
package pool
