// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging defines the wire envelope multiplexed over the
// agent's single websocket connection to the control service.
package messaging

import "encoding/json"

// Kind identifies which of the two message shapes an Envelope carries.
type Kind string

const (
	// KindStatus carries a (configuration, cluster state) push from the
	// control service to the agent.
	KindStatus Kind = "status"

	// KindNodeState carries a NodeStateCommand report from the agent to
	// the control service.
	KindNodeState Kind = "node-state"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindStatus, KindNodeState:
		return true
	default:
		return false
	}
}

// Envelope is the outermost message shape on the wire. Payload is kept
// raw so Kind can be inspected before committing to a concrete type.
type Envelope struct {
	Kind Kind `json:"kind"`

	// RequestID correlates a node-state report with its ack/fail reply.
	// Status pushes from the control service leave it empty.
	RequestID string `json:"requestId,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusPayload is the decoded Payload of a KindStatus envelope.
type StatusPayload struct {
	Configuration DeploymentDTO `json:"configuration"`
	ClusterState  StateDTO      `json:"clusterState"`
}

// NodeStatePayload is the decoded Payload of a KindNodeState envelope.
type NodeStatePayload struct {
	StateChanges []NodeStateDTO `json:"stateChanges"`
}

// AckPayload is the control service's reply to a KindNodeState envelope,
// correlated back to the request by RequestID.
type AckPayload struct {
	Acknowledged bool   `json:"ack"`
	Error        string `json:"error,omitempty"`
}

// NodeStateDTO is the wire shape of convergence.NodeState.
type NodeStateDTO struct {
	Hostname       string            `json:"hostname"`
	Applications   []string          `json:"applications,omitempty"`
	Manifestations map[string]string `json:"manifestations,omitempty"`
	Devices        map[string]string `json:"devices,omitempty"`
	Paths          map[string]string `json:"paths,omitempty"`
}

// DeploymentDTO is the wire shape of convergence.Deployment.
type DeploymentDTO struct {
	Nodes map[string]NodeStateDTO `json:"nodes"`
}

// StateDTO is the wire shape of convergence.DeploymentState.
type StateDTO struct {
	Nodes map[string]NodeStateDTO `json:"nodes"`
}
