// Package moissense keeps a local, consistent view of one MoisSense
// irrigation controller and relays operator pump commands to it.
//
// # Architecture
//
// The service is structured into several key packages:
//   - api: typed client for the device's /api/latest, /api/events and /api/pump
//   - models: snapshot, event, connectivity and command types
//   - state: the single published state and its subscribers
//   - alerts: dry-soil and rain alerts derived from a snapshot
//   - scheduler: the polling loop that keeps the state in sync
//   - dispatcher: optimistic pump commands with rollback
//   - database: optional PostgreSQL audit log of pump commands
//   - server: operator HTTP API and server-sent event stream
//   - grpc: gRPC health service that follows the device link
//   - publisher: MQTT relay of the published state
//
// Key Features
//
//   - Consistency:
//     A poll publishes snapshot, events, alerts and connectivity in one
//     update. A failed poll only marks the device unreachable and keeps
//     the last known readings.
//
//   - Commands:
//     Pump commands are accepted only in manual mode while the device is
//     reachable. The new pump state shows immediately and is rolled back
//     if the device refuses or cannot be reached.
//
// Example Usage
//
//	curl -X PUT localhost:8080/api/v1/mode -d '{"mode":"manual"}'
//	curl -X POST localhost:8080/api/v1/pump/toggle -H 'Idempotency-Key: 7f1c'
//	curl -N localhost:8080/api/v1/stream
//
// For more information about specific packages, see their respective
// documentation.
package moissense
