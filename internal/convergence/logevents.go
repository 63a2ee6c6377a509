// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package convergence

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// action scopes a tree of log events the way the original eliot-based
// source groups CONVERGE, SEND_TO_CONTROL_SERVICE and CALCULATED_ACTIONS
// into parent/child relationships: each scope has its own actionID, and
// a child scope's event additionally carries its parent's actionID under
// "parentActionID". FSM_TRANSITION events are not action-scoped.
type action struct {
	logger   *slog.Logger
	id       string
	parentID string
}

// newAction starts a new top-level action scope.
func newAction(logger *slog.Logger, name string) *action {
	return &action{logger: logger, id: uuid.New().String()}
}

// child starts a new action scope nested under a.
func (a *action) child(name string) *action {
	return &action{logger: a.logger, id: uuid.New().String(), parentID: a.id}
}

func (a *action) attrs(extra ...slog.Attr) []any {
	attrs := make([]any, 0, len(extra)*1+2)
	attrs = append(attrs, slog.String("actionID", a.id))
	if a.parentID != "" {
		attrs = append(attrs, slog.String("parentActionID", a.parentID))
	}
	for _, e := range extra {
		attrs = append(attrs, e)
	}
	return attrs
}

// logTransition emits the contractual FSM_TRANSITION event.
func logTransition(ctx context.Context, logger *slog.Logger, fsm, from, input, to string) {
	logger.InfoContext(ctx, "FSM_TRANSITION",
		"fsm", fsm,
		"from", from,
		"input", input,
		"to", to,
	)
}

// logConverge emits the contractual CONVERGE action-scoped event and
// returns the action scope so callers can nest SEND_TO_CONTROL_SERVICE
// and CALCULATED_ACTIONS underneath it.
func logConverge(logger *slog.Logger, cluster DeploymentState, desired Deployment) *action {
	a := newAction(logger, "CONVERGE")
	logger.Info("CONVERGE",
		slog.String("actionID", a.id),
		slog.Any("cluster_state", cluster),
		slog.Any("desired_configuration", desired),
	)
	return a
}

// logSendToControlService emits the contractual SEND_TO_CONTROL_SERVICE
// event as a child of parent.
func logSendToControlService(parent *action, discovered NodeState) {
	child := parent.child("SEND_TO_CONTROL_SERVICE")
	parent.logger.Info("SEND_TO_CONTROL_SERVICE", child.attrs(
		slog.Any("local_changes", []NodeState{discovered}),
	)...)
}

// logCalculatedActions emits the contractual CALCULATED_ACTIONS event as
// a child of parent.
func logCalculatedActions(parent *action, calculated Action) {
	child := parent.child("CALCULATED_ACTIONS")
	parent.logger.Info("CALCULATED_ACTIONS", child.attrs(
		slog.Any("calculated_actions", calculated),
	)...)
}
