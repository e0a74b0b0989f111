/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/datastore"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/store"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

// ConfigMapReconciler keeps the policy cache in line with policy ConfigMaps that
// change out of band. It only reads the store.
type ConfigMapReconciler struct {
	client.Reader
	Registry  *config.Registry
	Datastore datastore.Datastore
}

func (c *ConfigMapReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	service, ok := c.Registry.ServiceForConfigMap(req.NamespacedName)
	if !ok {
		return ctrl.Result{}, nil
	}
	logger := log.FromContext(ctx).V(logutil.DEFAULT).WithValues("service", service)
	ctx = ctrl.LoggerInto(ctx, logger)

	logger.Info("Reconciling policy ConfigMap")

	configmap := &corev1.ConfigMap{}
	err := c.Get(ctx, req.NamespacedName, configmap)
	if err != nil && !errors.IsNotFound(err) {
		return ctrl.Result{}, fmt.Errorf("unable to get ConfigMap - %w", err)
	}

	if errors.IsNotFound(err) || !configmap.DeletionTimestamp.IsZero() {
		// The next read falls through to the store, which reports the default policy.
		c.Datastore.PolicyDelete(service)
		return ctrl.Result{}, nil
	}

	p := store.ParseConfigMap(configmap)
	c.Datastore.PolicySet(service, p)
	logger.V(logutil.VERBOSE).Info("Policy cache refreshed", "policy", p)
	return ctrl.Result{}, nil
}

func (c *ConfigMapReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.ConfigMap{}, builder.WithPredicates(predicate.NewPredicateFuncs(func(obj client.Object) bool {
			_, managed := c.Registry.ServiceForConfigMap(client.ObjectKeyFromObject(obj))
			return managed
		}))).
		Complete(c)
}
