/*
Package idempotency provides rpc.Ledger implementations.

Memory is scoped to one consumer process: its records vanish on restart and are invisible
to other consumer instances, so it only gives at-most-once execution for a single worker.
Redis shares records between every consumer reaching the same server and bounds them with a
TTL; use it whenever more than one worker consumes the request queue.
*/
package idempotency
