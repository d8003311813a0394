/*
Package queue is the embedding surface of the store.

Open wires the tenant registry, per-tenant metadata and quota stores,
the volume pool, the scheduler, recovery and the reconciler from one
configuration, runs the startup health check and seeds configured
tenants. Start launches the background loops; Stop drains them and
closes every open store.

The methods on Store are the operation surface: WriteFile, ReadFile,
GetInfo, GetLocation, the claim and completion calls, tenant and quota
administration, and capacity reporting.
*/
package queue
