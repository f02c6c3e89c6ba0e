/*
Package rabbitmq provides the AMQP implementation of rpc.Transport.
It declares the request, response and dead-letter topology, serializes publishes on the
shared channel, streams deliveries with manual acks, and manages private reply queues.
Dial keeps the connection alive with jittered exponential backoff and re-declares the
topology after every reconnect.
*/
package rabbitmq
