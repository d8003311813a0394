/*
Package types defines the core data structures used throughout Hutch.

This package contains the fundamental types of the queue store's domain
model: item records, quota records, tenant records, volume views and the
error taxonomy surfaced by the in-process API. Every other package
depends on it and it depends on nothing inside the module.

# Core Types

  - Item: the metadata record for one stored byte file, the unit of
    ownership and scheduling. Allowed status transitions are
    pending → processing → {completed | failed | permanently-failed}
    and failed → pending; completed never persists.
  - Location: the read-only projection handed to consumers on claim.
  - QuotaRecord: per-directory file-count accounting. The tenant-wide
    quota lives under the reserved TenantQuotaPath key.
  - Tenant: lifecycle record (enabled, disabled, suspended).
  - VolumeInfo: read-only view of a mounted volume.

# Errors

Every caller-visible failure is a distinct sentinel (or the typed
QuotaExceededError), matched with errors.Is / errors.As. Control flow
never relies on panics; genuine I/O failures are wrapped with %w and
propagate as-is.
*/
package types
