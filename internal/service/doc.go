package service

// Package service runs the capture registry as a command or as a daemon.
//
// Overview
// The Supervisor owns an event loop around a single capture.Registry.
// Clients request captures with Start; the loop hands them to the registry
// and follows the registry broadcasts to log and report every job change.
//
// Two modes exist:
//   - oneshot (tapedeck capture): returns when every requested capture is
//     terminal, with an error unless all of them completed. Cancelling the
//     context cancels the running captures.
//   - daemon (tapedeck serve): runs until cancelled, removes old jobs on the
//     cleanup schedule and serves Prometheus metrics.
//
// Data flow:
//
//   Supervisor              Registry                 Process
//       |                      |                        |
//   Start() -> StartCapture -->| probe + Launch() ----->|
//       |                      |<------ events ---------| stdout/stderr/close
//       |<---- snapshots ------| store + broadcast      |
//   log/report                 |                        |
//
// Invariants:
//   - The supervisor never blocks on a capture; it only reacts to broadcasts.
//   - Shutdown always goes through Registry.Shutdown, so no capture process
//     outlives the supervisor.
//   - A dropped broadcast can't hang a oneshot run: watched jobs are polled.
//
// internal/service/supervisor_test.go is the best source about how to properly use
// the Supervisor struct.
