// Package config loads, normalizes, and validates papermill configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and centralizes every knob the daemon and CLI
// need: database locations, storage roots, queue timing, converter process
// limits, callback delivery policy, and cluster wiring.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
