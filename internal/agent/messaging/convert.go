// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "github.com/sylcore/convergence-agent/internal/convergence"

func NodeStateFromDTO(dto NodeStateDTO) convergence.NodeState {
	return convergence.NodeState{
		Hostname:       dto.Hostname,
		Applications:   dto.Applications,
		Manifestations: dto.Manifestations,
		Devices:        dto.Devices,
		Paths:          dto.Paths,
	}
}

func NodeStateToDTO(n convergence.NodeState) NodeStateDTO {
	return NodeStateDTO{
		Hostname:       n.Hostname,
		Applications:   n.Applications,
		Manifestations: n.Manifestations,
		Devices:        n.Devices,
		Paths:          n.Paths,
	}
}

func DeploymentFromDTO(dto DeploymentDTO) convergence.Deployment {
	nodes := make(map[string]convergence.NodeState, len(dto.Nodes))
	for k, v := range dto.Nodes {
		nodes[k] = NodeStateFromDTO(v)
	}
	return convergence.Deployment{Nodes: nodes}
}

func StateFromDTO(dto StateDTO) convergence.DeploymentState {
	nodes := make(map[string]convergence.NodeState, len(dto.Nodes))
	for k, v := range dto.Nodes {
		nodes[k] = NodeStateFromDTO(v)
	}
	return convergence.DeploymentState{Nodes: nodes}
}

func NodeStateCommandToDTO(cmd convergence.NodeStateCommand) NodeStatePayload {
	changes := make([]NodeStateDTO, len(cmd.StateChanges))
	for i, n := range cmd.StateChanges {
		changes[i] = NodeStateToDTO(n)
	}
	return NodeStatePayload{StateChanges: changes}
}
