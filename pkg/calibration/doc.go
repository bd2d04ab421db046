// Package calibration defines the types used by the bed-leveling calibration
// workflow. It contains:
//
//   - Phase: the discrete steps of the calibration state machine
//   - ProbePoint / ProbeResult: where the bed is probed and what was measured
//   - Session: the single mutable unit of work owned by the daemon
//   - Status: a synthesized view model returned by HTTP APIs and the CLI
//   - the error taxonomy shared by daemon, client and CLI
//
// These types are shared across daemon, client and CLI code to avoid duplicate
// definitions and keep JSON contracts consistent.
package calibration
