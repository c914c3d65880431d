// Package runtime wires storage, the stream backend, and configuration into
// a single-node pipeline instance.
package runtime
