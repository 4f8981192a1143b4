// Package aspath estimates AS-level routing paths for sampled anonymity
// network circuits.
//
// # Reading Guide
//
// Start with these files to understand the pipeline:
//   - types.go: circuits, hops, inferred paths and the inference cache key
//   - infer/client.go: the cached, retrying path inference client (hot path)
//   - batch/scheduler.go: miss-rate driven batch sizing
//   - pipeline/driver.go: wiring, output and cache checkpointing
//
// # Architecture
//
// The aspath package defines the shared data types; implementations live in
// sub-packages:
//   - aspath/asdb/: prefix-to-AS database and the memoized AS/IP resolver
//   - aspath/infer/: inference cache, counters, HTTP client, metrics
//   - aspath/circuit/: circuit input, client hop synthesis, circuit mapping
//   - aspath/batch/: adaptive batch scheduler
//   - aspath/store/: durable cache checkpoints (CBOR snapshot or bbolt)
//   - aspath/pipeline/: the driver that runs one batch at a time
package aspath
