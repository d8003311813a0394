/*
Package tenant implements the tenant registry.

Tenants are persisted as one JSON document each under the registry
root, written with atomic replace so a crash mid-write never leaves a
torn record. A small in-memory status cache (5 minute TTL) keeps the
per-operation "is this tenant enabled" check off the disk; any write
through the registry refreshes the cached entry.

When auto-create is on, Get on an unknown id materializes an enabled
tenant. Disabled tenants are rejected by every pool and
scheduler operation with ErrTenantDisabled; the registry itself only
stores and reports status.
*/
package tenant
