// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
// ConnectionManager keeps one connection alive and re-dials it with
// exponential backoff when the broker drops it. ChannelPool hands out
// channels in publisher-confirm mode, and Publisher blocks until the broker
// has confirmed each message.
package rabbitmq
