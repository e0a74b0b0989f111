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

package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
)

func TestParseServiceList(t *testing.T) {
	got := ParseServiceList(" postgres-a, ,postgres-b,")
	want := []ServiceConfig{{Name: "postgres-a"}, {Name: "postgres-b"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected services (-want +got): %s", diff)
	}
}

func TestNewRegistryDefaults(t *testing.T) {
	r, err := NewRegistry([]ServiceConfig{
		{Name: "postgres-a"},
		{Name: "kafka", Namespace: "streaming", Selector: map[string]string{"app.kubernetes.io/name": "kafka"}, Port: 9000},
	}, Defaults{})
	require.NoError(t, err)

	assert.Equal(t, []policy.ServiceName{"postgres-a", "kafka"}, r.Names())

	pg, err := r.Lookup("postgres-a")
	require.NoError(t, err)
	want := ServiceConfig{
		Name:          "postgres-a",
		Namespace:     "postgres-a",
		ConfigMapName: DefaultConfigMapName,
		Selector:      map[string]string{"app": "postgres-a"},
		Port:          DefaultInstancePort,
	}
	if diff := cmp.Diff(want, pg); diff != "" {
		t.Errorf("Unexpected service config (-want +got): %s", diff)
	}

	kafka, err := r.Lookup("kafka")
	require.NoError(t, err)
	assert.Equal(t, "streaming", kafka.Namespace)
	assert.Equal(t, int32(9000), kafka.Port)

	svc, ok := r.ServiceForConfigMap(types.NamespacedName{Namespace: "streaming", Name: DefaultConfigMapName})
	assert.True(t, ok)
	assert.Equal(t, policy.ServiceName("kafka"), svc)
	_, ok = r.ServiceForConfigMap(types.NamespacedName{Namespace: "default", Name: DefaultConfigMapName})
	assert.False(t, ok)
}

func TestNewRegistryErrors(t *testing.T) {
	tests := []struct {
		name     string
		services []ServiceConfig
	}{
		{name: "empty", services: nil},
		{name: "duplicate", services: []ServiceConfig{{Name: "a"}, {Name: "a"}}},
		{
			name: "shared configmap",
			services: []ServiceConfig{
				{Name: "orders", Namespace: "shop"},
				{Name: "billing", Namespace: "shop"},
			},
		},
		{
			name: "shared explicit configmap",
			services: []ServiceConfig{
				{Name: "orders", Namespace: "shop", ConfigMapName: "auth"},
				{Name: "billing", Namespace: "shop", ConfigMapName: "auth"},
			},
		},
		{name: "invalid name", services: []ServiceConfig{{Name: "Not_Valid"}}},
		{name: "invalid port", services: []ServiceConfig{{Name: "a", Port: 70000}}},
		{name: "invalid selector", services: []ServiceConfig{{Name: "a", Selector: map[string]string{"app": "bad value!"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.services, Defaults{})
			assert.Error(t, err)
		})
	}
}

func TestNewRegistrySameNamespaceDistinctConfigMaps(t *testing.T) {
	r, err := NewRegistry([]ServiceConfig{
		{Name: "orders", Namespace: "shop", ConfigMapName: "orders-auth"},
		{Name: "billing", Namespace: "shop", ConfigMapName: "billing-auth"},
	}, Defaults{})
	require.NoError(t, err)

	svc, ok := r.ServiceForConfigMap(types.NamespacedName{Namespace: "shop", Name: "billing-auth"})
	assert.True(t, ok)
	assert.Equal(t, policy.ServiceName("billing"), svc)
}

func TestLookupUnknown(t *testing.T) {
	r, err := NewRegistry(ParseServiceList("postgres-a"), Defaults{})
	require.NoError(t, err)

	_, err = r.Lookup("redis")
	assert.Equal(t, errutil.ServiceUnknown, errutil.CanonicalCode(err))
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    []ServiceConfig
		wantErr bool
	}{
		{
			name: "valid",
			data: `
services:
- name: postgres-a
- name: kafka
  namespace: streaming
  configMapName: kafka-auth
  selector:
    app: kafka
  port: 9000
`,
			want: []ServiceConfig{
				{Name: "postgres-a"},
				{Name: "kafka", Namespace: "streaming", ConfigMapName: "kafka-auth", Selector: map[string]string{"app": "kafka"}, Port: 9000},
			},
		},
		{
			name:    "unknown field",
			data:    "services:\n- name: a\n  replicas: 3\n",
			wantErr: true,
		},
		{
			name:    "no services",
			data:    "services: []\n",
			wantErr: true,
		},
		{
			name:    "missing name",
			data:    "services:\n- namespace: a\n",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LoadFile([]byte(tc.data))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Unexpected services (-want +got): %s", diff)
			}
		})
	}
}
