/*
Package scheduler implements the queue semantics over the metadata
stores.

Claims select the oldest eligible items (pending, or failed past their
backoff gate) and flip them to processing atomically under the tenant
mutex, so concurrent consumers never receive the same item. A claimed
item whose bytes have disappeared is removed with its quota charge and
silently replaced by the next candidate.

MarkCompleted deletes the bytes and the record; completed state is
never persisted. MarkFailed applies the retry policy: exponential or
linear backoff up to a cap, and permanent failure once retries are
exhausted. ResetTimedOut re-pends items stuck in processing past the
configured timeout without consuming a retry.
*/
package scheduler
