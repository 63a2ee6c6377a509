// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package kubernetes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/sylcore/convergence-agent/internal/convergence"
)

func newFakeClient(objs ...runtime.Object) *fake.ClientBuilder {
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		panic(err)
	}
	return fake.NewClientBuilder().WithScheme(scheme).WithRuntimeObjects(objs...)
}

func TestDeployer_DiscoverState_EmptyNamespace(t *testing.T) {
	c := newFakeClient().Build()
	d := New(c, "node-a", "apps")

	state, err := d.DiscoverState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-a", state.Hostname)
	assert.Empty(t, state.Applications)
}

func TestDeployer_DiscoverState_OnlyManagedResources(t *testing.T) {
	managed := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "managed-app",
			Namespace: "apps",
			Labels:    map[string]string{ManagedByLabel: "convergence-agent"},
		},
		Data: map[string]string{"key": "value"},
	}
	unmanaged := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "unmanaged", Namespace: "apps"},
	}
	c := newFakeClient(managed, unmanaged).Build()
	d := New(c, "node-a", "apps")

	state, err := d.DiscoverState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"managed-app"}, state.Applications)
	assert.Contains(t, state.Manifestations, "managed-app")
}

func TestDeployer_CalculateChanges_AppliesNewAndDeletesRemoved(t *testing.T) {
	d := New(newFakeClient().Build(), "node-a", "apps")

	local := convergence.NodeState{
		Hostname:     "node-a",
		Applications: []string{"stale"},
		Manifestations: map[string]string{
			"stale": "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: stale\n",
		},
	}
	desired := convergence.Deployment{
		Nodes: map[string]convergence.NodeState{
			"node-a": {
				Hostname:     "node-a",
				Applications: []string{"fresh"},
				Manifestations: map[string]string{
					"fresh": "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: fresh\n",
				},
			},
		},
	}

	action, err := d.CalculateChanges(local, desired, convergence.DeploymentState{})
	require.NoError(t, err)

	reconcile, ok := action.(reconcileAction)
	require.True(t, ok)
	require.Len(t, reconcile.apply, 1)
	assert.Equal(t, "fresh", reconcile.apply[0].name)
	require.Len(t, reconcile.delete, 1)
	assert.Equal(t, "stale", reconcile.delete[0].name)
}

func TestDeployer_CalculateChanges_NoDesiredNodeDeletesEverything(t *testing.T) {
	d := New(newFakeClient().Build(), "node-a", "apps")

	local := convergence.NodeState{
		Hostname:     "node-a",
		Applications: []string{"orphan"},
		Manifestations: map[string]string{
			"orphan": "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: orphan\n",
		},
	}

	action, err := d.CalculateChanges(local, convergence.Deployment{}, convergence.DeploymentState{})
	require.NoError(t, err)

	reconcile, ok := action.(reconcileAction)
	require.True(t, ok)
	assert.Empty(t, reconcile.apply)
	require.Len(t, reconcile.delete, 1)
	assert.Equal(t, "orphan", reconcile.delete[0].name)
}

func TestReconcileAction_Run_RequiresConcreteDeployer(t *testing.T) {
	action := reconcileAction{apply: []applyAction{{name: "x", manifestYAML: "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: x\n"}}}

	err := action.Run(context.Background(), stubDeployer{})
	assert.Error(t, err)
}

type stubDeployer struct{}

func (stubDeployer) DiscoverState(context.Context) (convergence.NodeState, error) {
	return convergence.NodeState{}, nil
}

func (stubDeployer) CalculateChanges(convergence.NodeState, convergence.Deployment, convergence.DeploymentState) (convergence.Action, error) {
	return nil, nil
}

func TestDeployer_DiscoverStateAfterApply(t *testing.T) {
	c := newFakeClient().Build()
	d := New(c, "node-a", "apps")

	manifestYAML := "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: roundtrip\n  namespace: apps\n"
	action := reconcileAction{apply: []applyAction{{name: "roundtrip", manifestYAML: manifestYAML}}}

	// The fake client's tracker does not implement server-side apply
	// patches the same way a real API server does, so the apply result
	// is not checked here; this only checks that discovery still succeeds
	// after the action has run.
	_ = action.Run(context.Background(), d)

	state, err := d.DiscoverState(context.Background())
	require.NoError(t, err)
	_ = state
}
