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

// Package store reads and writes the canonical per-service policy kept in
// Kubernetes ConfigMaps.
package store

import (
	"context"
	"maps"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

const (
	SignKey   = "SIGN_AUTH_ENABLED"
	VerifyKey = "VERIFY_AUTH_ENABLED"

	// ManagedLabel marks policy ConfigMaps so that watches can filter on it server-side.
	ManagedLabel = "auth.bmstu-diploma.io/managed"
)

// Store is the durable source of truth for service policies.
type Store interface {
	// Get returns the stored policy of the service, or the default policy
	// when nothing was stored yet.
	Get(ctx context.Context, service policy.ServiceName) (policy.Policy, error)
	// Set durably records the policy of the service.
	Set(ctx context.Context, service policy.ServiceName, p policy.Policy) error
}

// ConfigMapStore keeps each service's policy in a ConfigMap in the service's
// namespace.
type ConfigMapStore struct {
	client   client.Client
	registry *config.Registry
	timeout  time.Duration
}

// NewConfigMapStore returns a store backed by the given client. Each store call
// is bounded by timeout; a zero timeout leaves the caller's deadline in place.
func NewConfigMapStore(c client.Client, registry *config.Registry, timeout time.Duration) *ConfigMapStore {
	return &ConfigMapStore{client: c, registry: registry, timeout: timeout}
}

func (s *ConfigMapStore) Get(ctx context.Context, service policy.ServiceName) (policy.Policy, error) {
	svc, err := s.registry.Lookup(service)
	if err != nil {
		return policy.Policy{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cm := &corev1.ConfigMap{}
	if err := s.client.Get(ctx, svc.ConfigMapKey(), cm); err != nil {
		if apierrors.IsNotFound(err) {
			log.FromContext(ctx).V(logutil.DEBUG).Info("Policy ConfigMap not found, using default policy",
				"service", service, "configmap", svc.ConfigMapKey())
			return policy.Default(), nil
		}
		return policy.Policy{}, errutil.Errorf(errutil.StoreUnavailable, "unable to get ConfigMap %s - %v", svc.ConfigMapKey(), err)
	}
	return ParseConfigMap(cm), nil
}

func (s *ConfigMapStore) Set(ctx context.Context, service policy.ServiceName, p policy.Policy) error {
	svc, err := s.registry.Lookup(service)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	logger := log.FromContext(ctx).WithValues("service", service, "configmap", svc.ConfigMapKey())

	cm := &corev1.ConfigMap{}
	err = s.client.Get(ctx, svc.ConfigMapKey(), cm)
	switch {
	case apierrors.IsNotFound(err):
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Namespace: svc.Namespace,
				Name:      svc.ConfigMapName,
			},
		}
		ApplyToConfigMap(cm, p)
		if err := s.client.Create(ctx, cm); err != nil {
			return translateWriteError(svc, err)
		}
		logger.V(logutil.DEFAULT).Info("Policy ConfigMap created", "policy", p)
		return nil
	case err != nil:
		return errutil.Errorf(errutil.StoreUnavailable, "unable to get ConfigMap %s - %v", svc.ConfigMapKey(), err)
	}

	// The fetched resourceVersion is sent back with the update, so a
	// concurrent writer makes the update fail with a conflict.
	ApplyToConfigMap(cm, p)
	if err := s.client.Update(ctx, cm); err != nil {
		return translateWriteError(svc, err)
	}
	logger.V(logutil.DEFAULT).Info("Policy ConfigMap updated", "policy", p)
	return nil
}

func (s *ConfigMapStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func translateWriteError(svc config.ServiceConfig, err error) error {
	if apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err) {
		return errutil.Errorf(errutil.StoreConflict, "ConfigMap %s was modified concurrently - %v", svc.ConfigMapKey(), err)
	}
	return errutil.Errorf(errutil.StoreUnavailable, "unable to write ConfigMap %s - %v", svc.ConfigMapKey(), err)
}

// ParseConfigMap extracts the policy from a ConfigMap. Missing or unparsable
// fields resolve to their default value.
func ParseConfigMap(cm *corev1.ConfigMap) policy.Policy {
	p := policy.Default()
	if cm == nil {
		return p
	}
	p.Sign = parseFlag(cm.Data, SignKey, p.Sign)
	p.Verify = parseFlag(cm.Data, VerifyKey, p.Verify)
	return p
}

func parseFlag(data map[string]string, key string, defaultVal bool) bool {
	raw, ok := data[key]
	if !ok {
		return defaultVal
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return defaultVal
	}
	return v
}

// ApplyToConfigMap writes the policy into the ConfigMap, leaving all other data
// keys, labels and annotations untouched.
func ApplyToConfigMap(cm *corev1.ConfigMap, p policy.Policy) {
	data := maps.Clone(cm.Data)
	if data == nil {
		data = map[string]string{}
	}
	data[SignKey] = strconv.FormatBool(p.Sign)
	data[VerifyKey] = strconv.FormatBool(p.Verify)
	cm.Data = data

	if cm.Labels == nil {
		cm.Labels = map[string]string{}
	}
	cm.Labels[ManagedLabel] = "true"
}
