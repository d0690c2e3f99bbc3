// Package daemon coordinates the long-running papermill process.
//
// It wires configuration, the result and change stores, the conversion
// queue, the converter worker pool, the orchestrator, sweeps, and the HTTP
// API into a single lifecycle with flock-based locking to prevent multiple
// instances. The daemon also owns the cluster bus: a local pub/sub hub with
// a websocket endpoint, or a connection to an upstream hub when clustering
// is configured.
//
// Keep lifecycle logic here: conversion semantics live in the orchestrator
// and converter packages while the daemon focuses on startup, shutdown, and
// wiring.
package daemon
