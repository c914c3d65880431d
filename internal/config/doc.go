// Package config loads pipeline configuration from defaults, an optional
// JSON or YAML file, and EVPIPE_* environment overrides, in that order.
package config
