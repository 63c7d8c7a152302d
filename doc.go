// Package orderrelay relays order records between message queues on top of
// Watermill.
//
// An HTTP endpoint accepts new orders and publishes them to the input
// channel ("orderrequests" by default). The relay processor consumes that
// channel, marks every order COMPLETED and forwards it to the output channel
// ("readytoship"). Each input message ends in exactly one disposition:
//   - completed once the forwarded order was accepted by the output channel
//   - abandoned for redelivery when forwarding fails or the payload is empty
//   - dead lettered when the payload can never be decoded
//
// Receiver offers pull semantics over any channel: ReadMessage blocks for
// at most the given timeout and returns the next delivered payload. It holds
// a single pending read; deliveries arriving while nobody reads are
// acknowledged and dropped.
//
// # Transports
//
// The backing broker is selected by Config.PubSubSystem from the modular
// transport registry. Import the transports you need, or all of them through
// github.com/drblury/orderrelay/transport/transports:
//   - channel: in-memory Go channels for tests and local runs
//   - kafka: consumer groups via Sarama
//   - rabbitmq: durable AMQP queues
//   - nats: core NATS with queue groups
//   - aws: SQS queues, LocalStack supported through AWSEndpoint
//   - http: webhook style delivery
//
// A minimal setup fills Config (or calls ConfigFromEnv), creates a Service
// and calls Start with a context that is cancelled on shutdown.
package orderrelay
