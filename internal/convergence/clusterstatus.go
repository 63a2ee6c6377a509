// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package convergence

import (
	"context"
	"log/slog"
	"sync"
)

// ClusterStatusState is a state of the ClusterStatusFSM.
type ClusterStatusState string

const (
	StateDisconnected        ClusterStatusState = "DISCONNECTED"
	StateConnectedNoUpdate   ClusterStatusState = "CONNECTED_NO_UPDATE"
	StateConnectedWithUpdate ClusterStatusState = "CONNECTED_WITH_UPDATE"
	StateShutdown            ClusterStatusState = "SHUTDOWN"
)

// ConvergenceSink is the downstream the ClusterStatusFSM feeds: exactly
// the two inputs a ConvergenceLoopFSM accepts from upstream. Satisfied
// by *ConvergenceLoopFSM; exists as an interface so tests can substitute
// a recording double.
type ConvergenceSink interface {
	ClientStatusUpdate(ctx context.Context, update ClientStatusUpdate)
	Stop(ctx context.Context)
}

// ClusterStatusFSM tracks whether the agent is connected to the control
// service and whether any status update has yet been received. It gates
// the ConvergenceLoopFSM: downstream only ever sees a ClientStatusUpdate
// once both conditions hold, and only ever sees STOP when the connection
// that satisfied them is lost or the FSM is shut down.
//
// The zero value is not usable; construct with NewClusterStatusFSM.
type ClusterStatusFSM struct {
	mu     sync.Mutex
	state  ClusterStatusState
	client ControlClient
	logger *slog.Logger

	downstream ConvergenceSink
	metrics    *Metrics
}

// NewClusterStatusFSM constructs a ClusterStatusFSM in its initial
// DISCONNECTED state. downstream receives ClientStatusUpdate/STOP
// exactly as spec.md §4.1's transition table requires. metrics may be
// nil.
func NewClusterStatusFSM(downstream ConvergenceSink, logger *slog.Logger, metrics *Metrics) *ClusterStatusFSM {
	f := &ClusterStatusFSM{
		state:      StateDisconnected,
		downstream: downstream,
		logger:     logger.With("component", "cluster_status_fsm"),
		metrics:    metrics,
	}
	f.metrics.SetClusterStatusState(AllClusterStatusStates(), f.state)
	return f
}

// State returns the current state. Safe for concurrent use.
func (f *ClusterStatusFSM) State() ClusterStatusState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *ClusterStatusFSM) transition(ctx context.Context, input, from string, to ClusterStatusState) {
	logTransition(ctx, f.logger, "ClusterStatusFSM", from, input, string(to))
	f.metrics.SetClusterStatusState(AllClusterStatusStates(), to)
}

// Connected handles transport handshake completion.
func (f *ClusterStatusFSM) Connected(ctx context.Context, client ControlClient) {
	f.mu.Lock()
	from := f.state
	if f.state == StateDisconnected {
		f.client = client
		f.state = StateConnectedNoUpdate
	}
	// CONNECTED_NO_UPDATE, CONNECTED_WITH_UPDATE, SHUTDOWN: ignore.
	to := f.state
	f.mu.Unlock()

	f.transition(ctx, "Connected", string(from), to)
}

// StatusUpdate handles a fresh (configuration, state) view pushed by the
// control service.
func (f *ClusterStatusFSM) StatusUpdate(ctx context.Context, config Deployment, state DeploymentState) {
	f.mu.Lock()
	client := f.client
	from := f.state

	switch f.state {
	case StateConnectedNoUpdate:
		f.state = StateConnectedWithUpdate
	case StateConnectedWithUpdate:
		// stays
	default:
		// DISCONNECTED, SHUTDOWN: ignore.
		to := f.state
		f.mu.Unlock()
		f.transition(ctx, "StatusUpdate", string(from), to)
		return
	}
	to := f.state
	f.mu.Unlock()

	f.transition(ctx, "StatusUpdate", string(from), to)
	f.downstream.ClientStatusUpdate(ctx, ClientStatusUpdate{Client: client, Configuration: config, ClusterState: state})
}

// Disconnected handles transport loss.
func (f *ClusterStatusFSM) Disconnected(ctx context.Context) {
	f.mu.Lock()
	from := f.state
	var emitStop bool

	switch f.state {
	case StateConnectedNoUpdate:
		f.state = StateDisconnected
		f.client = nil
	case StateConnectedWithUpdate:
		f.state = StateDisconnected
		f.client = nil
		emitStop = true
	default:
		// DISCONNECTED, SHUTDOWN: ignore.
	}
	to := f.state
	f.mu.Unlock()

	f.transition(ctx, "Disconnected", string(from), to)
	if emitStop {
		f.downstream.Stop(ctx)
	}
}

// Shutdown requests an orderly stop. It closes the remembered client (if
// any) and transitions to the terminal SHUTDOWN state. The transport's
// own disconnect callback, which fires once the close takes effect, is
// absorbed by the now-terminal SHUTDOWN state (Disconnected becomes a
// no-op).
func (f *ClusterStatusFSM) Shutdown(ctx context.Context) {
	f.mu.Lock()
	from := f.state
	client := f.client
	var emitStop bool

	switch f.state {
	case StateDisconnected:
		f.state = StateShutdown
	case StateConnectedNoUpdate:
		f.state = StateShutdown
		f.client = nil
	case StateConnectedWithUpdate:
		f.state = StateShutdown
		f.client = nil
		emitStop = true
	default:
		// already SHUTDOWN: ignore.
	}
	to := f.state
	f.mu.Unlock()

	f.transition(ctx, "Shutdown", string(from), to)

	if client != nil {
		if err := client.Close(); err != nil {
			f.logger.ErrorContext(ctx, "error closing control client on shutdown", "error", err)
		}
	}
	if emitStop {
		f.downstream.Stop(ctx)
	}
}
