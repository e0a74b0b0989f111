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

// Package directory resolves the live instances of a managed service.
package directory

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

// Endpoint is one network-reachable instance of a service.
type Endpoint struct {
	Pod     types.NamespacedName `json:"pod"`
	Address string               `json:"address"` // host:port
}

func (e Endpoint) String() string {
	return e.Pod.String() + "@" + e.Address
}

// Directory resolves the endpoints of a service at call time. Results are
// never cached because membership can change between calls.
type Directory interface {
	Resolve(ctx context.Context, service policy.ServiceName) ([]Endpoint, error)
}

// PodDirectory lists the ready pods of a service by label selector.
type PodDirectory struct {
	reader   client.Reader
	registry *config.Registry
	timeout  time.Duration
}

// NewPodDirectory returns a directory that lists pods through reader. The
// reader should bypass the informer cache, e.g. manager.GetAPIReader().
func NewPodDirectory(reader client.Reader, registry *config.Registry, timeout time.Duration) *PodDirectory {
	return &PodDirectory{reader: reader, registry: registry, timeout: timeout}
}

func (d *PodDirectory) Resolve(ctx context.Context, service policy.ServiceName) ([]Endpoint, error) {
	svc, err := d.registry.Lookup(service)
	if err != nil {
		return nil, err
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	pods := &corev1.PodList{}
	if err := d.reader.List(ctx, pods, client.InNamespace(svc.Namespace), client.MatchingLabels(svc.Selector)); err != nil {
		return nil, errutil.Errorf(errutil.DirectoryUnavailable, "unable to list pods of %s in namespace %s - %v", service, svc.Namespace, err)
	}

	logger := log.FromContext(ctx).WithValues("service", service)
	endpoints := make([]Endpoint, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !podIsLive(pod) {
			logger.V(logutil.TRACE).Info("Skipping pod that is not live", "pod", pod.Name, "phase", pod.Status.Phase)
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Pod:     types.NamespacedName{Namespace: pod.Namespace, Name: pod.Name},
			Address: net.JoinHostPort(pod.Status.PodIP, strconv.Itoa(int(svc.Port))),
		})
	}
	slices.SortFunc(endpoints, func(a, b Endpoint) int {
		return strings.Compare(a.Pod.String(), b.Pod.String())
	})
	logger.V(logutil.DEBUG).Info("Resolved service instances", "count", len(endpoints), "listed", len(pods.Items))
	return endpoints, nil
}

func podIsLive(pod *corev1.Pod) bool {
	if !pod.DeletionTimestamp.IsZero() || pod.Status.PodIP == "" {
		return false
	}
	return podIsReady(pod)
}

func podIsReady(pod *corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			if condition.Status == corev1.ConditionTrue {
				return true
			}
			break
		}
	}
	return false
}
