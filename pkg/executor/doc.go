/*
Package executor bounds concurrent access to the external IPAM system.

Calls are partitioned into a read pool and a smaller write pool so bulk
reads can never starve mutations of a connection. Each dispatched call runs
under its own deadline derived from a fresh context: a submitter that gives
up does not abort a call already handed to the backend, the result is just
discarded. Timeouts surface as transient errors so callers can retry.
*/
package executor
