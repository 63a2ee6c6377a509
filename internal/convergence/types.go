// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

// Package convergence implements the agent convergence core: the pair of
// cooperating finite state machines that reconcile local node state with
// a cluster-wide desired configuration published by a control service.
package convergence

import (
	"context"

	"github.com/google/go-cmp/cmp"
)

// NodeState is a structural snapshot of one node's observed state:
// hostname, the set of running applications, a manifestation-by-id
// mapping, and device/path mappings. It is an immutable value type; any
// mutation produces a new instance.
type NodeState struct {
	Hostname       string
	Applications   []string
	Manifestations map[string]string
	Devices        map[string]string
	Paths          map[string]string
}

// Equal reports structural equality between two NodeStates.
func (n NodeState) Equal(other NodeState) bool {
	// plain has no Equal method, so cmp compares fields instead of
	// calling back into this method.
	type plain NodeState
	return cmp.Equal(plain(n), plain(other))
}

// Deployment is the cluster-wide desired configuration: a mapping from
// node hostname to that node's desired NodeState. It is opaque to the
// core — compared only by equality and passed through to the Deployer.
type Deployment struct {
	Nodes map[string]NodeState
}

// Equal reports structural equality between two Deployments.
func (d Deployment) Equal(other Deployment) bool {
	type plain Deployment
	return cmp.Equal(plain(d), plain(other))
}

// DeploymentState is the cluster-wide observed state: a mapping from
// node hostname to that node's last-reported NodeState.
type DeploymentState struct {
	Nodes map[string]NodeState
}

// Equal reports structural equality between two DeploymentStates.
func (s DeploymentState) Equal(other DeploymentState) bool {
	type plain DeploymentState
	return cmp.Equal(plain(s), plain(other))
}

// WithNode returns a copy of the DeploymentState with hostname's entry
// replaced by state. The receiver is not mutated.
func (s DeploymentState) WithNode(hostname string, state NodeState) DeploymentState {
	next := make(map[string]NodeState, len(s.Nodes)+1)
	for k, v := range s.Nodes {
		next[k] = v
	}
	next[hostname] = state
	return DeploymentState{Nodes: next}
}

// ClientStatusUpdate is the unit of work consumed by the convergence
// loop: the control-client handle that produced it, the desired
// configuration, and the cluster state observed at that time.
type ClientStatusUpdate struct {
	Client        ControlClient
	Configuration Deployment
	ClusterState  DeploymentState
}

// Action is the opaque, runnable plan a Deployer's calculate step
// returns. Run executes it against the deployer that produced it.
type Action interface {
	Run(ctx context.Context, deployer Deployer) error
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, deployer Deployer) error

// Run calls f(ctx, deployer).
func (f ActionFunc) Run(ctx context.Context, deployer Deployer) error {
	return f(ctx, deployer)
}

// Deployer is the external collaborator that performs node-local
// discovery and executes the actions the core decides on. The core only
// ever calls these two operations, plus Run on the Action that
// CalculateChanges returns; everything else about a deployer's
// implementation is out of scope.
type Deployer interface {
	// DiscoverState inspects node-local reality and returns a fresh
	// NodeState. Implementations may return an error; the core treats a
	// synchronous error exactly like a failed discovery.
	DiscoverState(ctx context.Context) (NodeState, error)

	// CalculateChanges is pure: it never performs side effects and,
	// per spec, never fails in the source system. This interface still
	// allows an error return so a Go implementation can report a
	// programmer error; the core treats any such error exactly like a
	// failed Action.Run.
	CalculateChanges(local NodeState, desired Deployment, cluster DeploymentState) (Action, error)
}

// NodeStateCommand is the sole on-wire command the core issues.
type NodeStateCommand struct {
	StateChanges []NodeState
}

// ControlResponse is the result of a NodeStateCommand round-trip.
type ControlResponse struct {
	Acknowledged bool
}

// ControlClient is the external collaborator used to report local state
// to the control service and await acknowledgment.
type ControlClient interface {
	// Call sends cmd and blocks until the control service responds or
	// ctx is cancelled. A non-nil error, or a response with
	// Acknowledged == false, both count as a failed report.
	Call(ctx context.Context, cmd NodeStateCommand) (ControlResponse, error)

	// Close is invoked by ClusterStatusFSM on Shutdown.
	Close() error
}
