/*
Package volume provides byte-level storage on one mounted filesystem
subtree.

A Volume owns a mount root and performs raw read/write/delete of item
byte files beneath it, along with capacity reporting (via statfs) and a
writability health probe. Volumes know nothing about metadata, quotas or
scheduling; the pool layers those on top.

# Physical layout

Byte files are placed at

	<mount>/<tenant_id>/<shard_1>/<shard_2>/<item_id><ext>

where each shard is a 2-character prefix of the 32-hex item id and the
number of shard levels (0..3) is fixed per volume at construction.
Sharding caps per-directory entry counts on tenants with millions of
items.

# Path safety

Every path handed to a Volume must resolve under its mount root.
Components are rejected if they are dot segments or contain a path
separator, so neither tenant ids nor item extensions can traverse out
of the tree.

# Failure behavior

Write unlinks the partial file before returning on any failure, so a
failed write never leaves bytes behind. Delete treats a missing file as
success; the callers' rollback paths are best-effort and idempotent.
*/
package volume
