// Package rabbitmq holds the RabbitMQ plumbing behind the gateway's AMQP
// substrate.
//
// This package includes:
//   - ConnectionManager: owns the broker connection, reconnects with
//     exponential backoff and notifies state listeners
//   - Topology: declares exchanges, queues and bindings on a channel
//   - PublishPlanFor / SubscribePlanFor: map STOMP destinations onto
//     exchanges, routing keys and queues
package rabbitmq
