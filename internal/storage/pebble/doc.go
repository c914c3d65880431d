// Package pebblestore wraps a Pebble database with the durability policy and
// small helpers the stream backend needs: batched atomic writes, prefix
// iteration, and a footprint snapshot for monitoring.
package pebblestore
