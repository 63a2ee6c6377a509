// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

// Package kubernetes is the reference convergence.Deployer: it discovers
// this node's locally-applied resources and reconciles them toward the
// desired manifests pushed by the control service, via server-side
// apply. Grounded on the teacher's kubernetes_executor.go.
package kubernetes

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/sylcore/convergence-agent/internal/convergence"
)

// ManagedByLabel tags every resource this deployer owns, scoping
// discovery to exactly the resources it manages.
const ManagedByLabel = "convergence.openchoreo.io/managed-by"

// Deployer is a convergence.Deployer that discovers and reconciles
// unstructured Kubernetes resources within a single namespace on behalf
// of one node.
type Deployer struct {
	client       client.Client
	hostname     string
	namespace    string
	fieldManager string
}

// New constructs a Deployer scoped to namespace, reporting as hostname
// in discovered NodeStates.
func New(c client.Client, hostname, namespace string) *Deployer {
	return &Deployer{
		client:       c,
		hostname:     hostname,
		namespace:    namespace,
		fieldManager: "convergence-agent",
	}
}

// DiscoverState lists the ConfigMaps carrying ManagedByLabel in its
// namespace and folds them into a NodeState; resources of other kinds
// are not listed, even if an apply created them. Applications holds each
// resource's name, Manifestations maps name to the manifest YAML
// currently observed on the server (so CalculateChanges can diff
// against it without a second round-trip).
func (d *Deployer) DiscoverState(ctx context.Context) (convergence.NodeState, error) {
	list := &unstructured.UnstructuredList{}
	list.SetAPIVersion("v1")
	list.SetKind("ConfigMapList")

	if err := d.client.List(ctx, list,
		client.InNamespace(d.namespace),
		client.MatchingLabels{ManagedByLabel: "convergence-agent"},
	); err != nil {
		return convergence.NodeState{}, fmt.Errorf("list managed resources: %w", err)
	}

	applications := make([]string, 0, len(list.Items))
	manifestations := make(map[string]string, len(list.Items))
	for _, item := range list.Items {
		name := item.GetName()
		applications = append(applications, name)
		manifestYAML, err := yaml.Marshal(item.Object)
		if err != nil {
			return convergence.NodeState{}, fmt.Errorf("marshal observed manifest %s: %w", name, err)
		}
		manifestations[name] = string(manifestYAML)
	}

	return convergence.NodeState{
		Hostname:       d.hostname,
		Applications:   applications,
		Manifestations: manifestations,
	}, nil
}

// CalculateChanges is pure: it diffs the desired NodeState for this
// deployer's hostname against what was just discovered, and returns an
// Action that applies additions/changes and deletes removals. It never
// fails, per spec.md §6.
func (d *Deployer) CalculateChanges(local convergence.NodeState, desired convergence.Deployment, _ convergence.DeploymentState) (convergence.Action, error) {
	desiredNode := desired.Nodes[local.Hostname]

	desiredByName := make(map[string]string, len(desiredNode.Applications))
	for _, name := range desiredNode.Applications {
		desiredByName[name] = desiredNode.Manifestations[name]
	}

	var toApply []applyAction
	for name, manifestYAML := range desiredByName {
		if existing, ok := local.Manifestations[name]; !ok || existing != manifestYAML {
			toApply = append(toApply, applyAction{name: name, manifestYAML: manifestYAML})
		}
	}

	var toDelete []deleteAction
	for _, name := range local.Applications {
		if _, wanted := desiredByName[name]; !wanted {
			toDelete = append(toDelete, deleteAction{name: name})
		}
	}

	return reconcileAction{apply: toApply, delete: toDelete}, nil
}

// reconcileAction applies every pending manifest and then deletes every
// resource no longer desired, collecting (not short-circuiting on)
// per-resource errors.
type reconcileAction struct {
	apply  []applyAction
	delete []deleteAction
}

func (r reconcileAction) Run(ctx context.Context, deployer convergence.Deployer) error {
	d, ok := deployer.(*Deployer)
	if !ok {
		return fmt.Errorf("kubernetes reconcile action requires *kubernetes.Deployer, got %T", deployer)
	}

	var errs []error
	for _, a := range r.apply {
		if err := d.apply(ctx, a.manifestYAML); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", a.name, err))
		}
	}
	for _, del := range r.delete {
		if err := d.delete(ctx, del.name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", del.name, err))
		}
	}
	return errors.Join(errs...)
}

type applyAction struct {
	name         string
	manifestYAML string
}

type deleteAction struct {
	name string
}

func (d *Deployer) apply(ctx context.Context, manifestYAML string) error {
	obj := &unstructured.Unstructured{}
	if err := yaml.Unmarshal([]byte(manifestYAML), obj); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	obj.SetNamespace(d.namespace)
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[ManagedByLabel] = "convergence-agent"
	obj.SetLabels(labels)

	return d.client.Patch(ctx, obj, client.Apply, client.ForceOwnership, client.FieldOwner(d.fieldManager))
}

func (d *Deployer) delete(ctx context.Context, name string) error {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion("v1")
	obj.SetKind("ConfigMap")
	obj.SetName(name)
	obj.SetNamespace(d.namespace)

	if err := d.client.Delete(ctx, obj); err != nil {
		return client.IgnoreNotFound(err)
	}
	return nil
}
