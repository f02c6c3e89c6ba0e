/*
Package servicebus runs domain operations over a message broker as request/response calls.

Client publishes a RequestEnvelope and waits on a private reply queue. Consumer pulls
requests off the durable request queue, authorizes and de-duplicates them, hands them to a
Dispatcher, and answers on the reply queue. Unexpected failures are retried with exponential
backoff by republishing the request with an incremented retry header and are dead-lettered
once the retry budget is spent. Blog is a typed facade over Client.
*/
package servicebus
