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

package testing

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PodWrapper wraps a Pod.
type PodWrapper struct {
	corev1.Pod
}

// MakePod creates a wrapper for a Pod.
func MakePod(podName string) *PodWrapper {
	return &PodWrapper{
		corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      podName,
				Namespace: "default",
			},
			Spec:   corev1.PodSpec{},
			Status: corev1.PodStatus{},
		},
	}
}

func (p *PodWrapper) Namespace(ns string) *PodWrapper {
	p.ObjectMeta.Namespace = ns
	return p
}

// Labels sets the pod labels.
func (p *PodWrapper) Labels(labels map[string]string) *PodWrapper {
	p.ObjectMeta.Labels = labels
	return p
}

// ReadyCondition sets a PodReady=true condition.
func (p *PodWrapper) ReadyCondition() *PodWrapper {
	p.Status.Conditions = []corev1.PodCondition{{
		Type:   corev1.PodReady,
		Status: corev1.ConditionTrue,
	}}
	return p
}

// NotReadyCondition sets a PodReady=false condition.
func (p *PodWrapper) NotReadyCondition() *PodWrapper {
	p.Status.Conditions = []corev1.PodCondition{{
		Type:   corev1.PodReady,
		Status: corev1.ConditionFalse,
	}}
	return p
}

func (p *PodWrapper) IP(ip string) *PodWrapper {
	p.Status.PodIP = ip
	return p
}

func (p *PodWrapper) DeletionTimestamp() *PodWrapper {
	now := metav1.Now()
	p.ObjectMeta.DeletionTimestamp = &now
	p.Finalizers = []string{"finalizer"}
	return p
}

// ObjRef returns the wrapped Pod.
func (p *PodWrapper) ObjRef() *corev1.Pod {
	return &p.Pod
}

// ConfigMapWrapper wraps a ConfigMap.
type ConfigMapWrapper struct {
	corev1.ConfigMap
}

// MakeConfigMap creates a wrapper for a ConfigMap.
func MakeConfigMap(name string) *ConfigMapWrapper {
	return &ConfigMapWrapper{
		corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: "default",
			},
		},
	}
}

func (c *ConfigMapWrapper) Namespace(ns string) *ConfigMapWrapper {
	c.ObjectMeta.Namespace = ns
	return c
}

func (c *ConfigMapWrapper) Data(data map[string]string) *ConfigMapWrapper {
	c.ConfigMap.Data = data
	return c
}

func (c *ConfigMapWrapper) Labels(labels map[string]string) *ConfigMapWrapper {
	c.ObjectMeta.Labels = labels
	return c
}

func (c *ConfigMapWrapper) DeletionTimestamp() *ConfigMapWrapper {
	now := metav1.Now()
	c.ObjectMeta.DeletionTimestamp = &now
	c.Finalizers = []string{"finalizer"}
	return c
}

// ObjRef returns the wrapped ConfigMap.
func (c *ConfigMapWrapper) ObjRef() *corev1.ConfigMap {
	return &c.ConfigMap
}
