// Package stream defines the log abstraction the pipeline is built on: an
// append-only ordered log with consumer-group cursors, a claimable pending
// set, and per-entry delivery counts.
//
// The pipeline components (worker, reclaimer, DLQ reprocessor, monitor) only
// consume this interface. The broker is the single source of truth for cursor
// and pending-set state; components hold transient derived views.
package stream
