/*
Package recovery handles store damage.

At startup every known tenant's stores are probed; ambiguous open
failures are retried briefly, corruption is either rebuilt in place or
reported depending on configuration.

A rebuild never destroys evidence: the corrupt file is renamed to
<path>.corrupted.<timestamp> before a fresh store is created. Item
stores are rebuilt by scanning the volumes for the tenant's surviving
bytes and synthesizing pending records for them; quota stores are
recounted from the item store. RepopulateQuotas doubles as the hook the
quota store invokes when it detects corruption mid-operation.
*/
package recovery
