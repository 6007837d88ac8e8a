// Package queue defines the durable stage queues workers consume.
//
// One queue exists per pipeline stage ("download", "correction", ...). A
// Broker moves encoded ir.TaskMessage payloads between dispatchers and
// workers. Three implementations are provided:
//   - SQLiteBroker: jobs table in the shared store, for single-host
//     deployments and tests
//   - MemoryBroker: in-process FIFO, for the scenario harness
//   - PubSubBroker: Google Cloud Pub/Sub topics and subscriptions
//
// # Delivery Semantics
//
// Delivery is at least once. A Delivery must be settled exactly once with
// Ack, Reject or Redeliver. Redeliver puts the same job id back on its
// queue after a delay, so a retried attempt keeps its ExecutionRecord.
package queue
