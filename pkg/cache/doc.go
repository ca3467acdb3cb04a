/*
Package cache provides a TTL cache with request coalescing.

Entries expire lazily: an expired entry is treated as a miss on the next
read, no background sweeper runs. GetOrFetch is the primary entry point and
collapses concurrent misses for the same key into a single fetch:

	caller 1 ──┐
	caller 2 ──┼──→ one in-flight fetch ──→ all callers share the result
	caller N ──┘

Failed fetches are shared with every waiting caller but never cached, so
the next request retries. A waiter that cancels its context stops waiting,
while the in-flight fetch keeps running and still populates the cache.
*/
package cache
