/*
Package runtime assembles the PAD-breaker message broker.

# Architecture Overview

A Service owns one instance of every broker component and wires them
together from a single config.Config:

  - registry: service instances, topic subscriptions and the per-instance
    circuit breaker, optionally kept fresh by an active health prober
  - store: the durable append-only log of topic traffic and dead letters
    (memory, file, sqlite or postgres)
  - transport: a Watermill pub/sub that pushes published envelopes to live
    stream listeners (channel, nats, kafka, rabbitmq or http)
  - dispatch: point-to-point delivery with retries, topic fan-out and
    two-phase commit
  - server: the echo HTTP adapter exposing all of the above

# Package Structure

## Core Service (service.go)

NewService validates the configuration, builds each component and releases
anything already opened when a later step fails. Start serves HTTP and runs
the prober until its context is cancelled, then shuts down gracefully.

## Supporting packages

  - config: Config, defaults and validation
  - errors: sentinel errors and the DeliveryError taxonomy
  - logging: the ServiceLogger abstraction over slog, logrus and Watermill
  - envelope: JSON and Protobuf envelope ingress
  - jsoncodec: the sonic-backed JSON codec used on every hot path
  - ids: ULID based correlation and transaction identifiers

# Usage

	svc, err := runtime.NewService(ctx, &config.Config{
		StoreBackend:    "sqlite",
		SQLiteFile:      "broker.db",
		StreamTransport: "nats",
		NATSURL:         "nats://localhost:4222",
	}, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
