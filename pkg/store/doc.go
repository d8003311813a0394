/*
Package store implements the per-tenant durable stores and their
in-memory active caches on bbolt.

Each tenant owns two store files: the metadata store (one JSON document
per item record, bucket "items") and the quota store (one document per
directory path, bucket "quotas"). A Manager hands out one Handle per
tenant; the Handle carries the per-tenant mutex that serializes every
mutation, store open/close and compaction for that tenant.

# Write-through ordering

The item store is a write-through cache: the durable write always
precedes the cache update, so a cached record can never be observed
before it is durable. The cache hydrates on open from a full scan of
all non-completed records; records found in processing are left alone
and reclaimed later by the reconciler's timeout pass.

# Claims

ClaimNext and ClaimBatch find the oldest eligible pending records
(available_at gate respected), flip them to processing and persist the
batch in a single transaction, all under the tenant mutex held by the
caller. Two concurrent claims on one tenant therefore never return the
same item.

# Corruption

IsCorruption classifies engine failures into the small recoverable
set (invalid meta pages, checksum mismatches, format violations);
IsLockTimeout identifies transient file-lock contention, which must
never trigger a rebuild. The quota store additionally retries one
mutation after an in-place rebuild when a corruption signature shows up
mid-operation; the rebuilding flag keeps the rebuild's own writes from
recursing.

# Compaction

Manager.Compact copies live pages into a fresh file and renames it over
the original, with the tenant quiesced by its mutex for the duration.
*/
package store
