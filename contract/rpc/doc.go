/*
Package rpc defines the wire contract of the request/response service bus: the request and
response envelopes, the typed action payloads, queue topology names, and the transport,
ledger and credential interfaces that adapters implement.
*/
package rpc
