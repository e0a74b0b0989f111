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

// Package config holds the process-wide set of services managed by the
// control plane. The set is loaded once at startup and never changes.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/yaml"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
)

const (
	DefaultConfigMapName = "auth-settings"
	DefaultInstancePort  = 8080
	DefaultSelectorKey   = "app"
)

// ServiceConfig describes where a managed service keeps its policy and how its
// instances are found.
type ServiceConfig struct {
	// Name of the service. Also the default namespace and selector value.
	Name policy.ServiceName `json:"name" validate:"required,dns_rfc1035_label"`
	// Namespace holding the policy ConfigMap and the service pods.
	Namespace string `json:"namespace,omitempty" validate:"omitempty,dns_rfc1035_label"`
	// ConfigMapName is the name of the policy ConfigMap.
	ConfigMapName string `json:"configMapName,omitempty" validate:"omitempty,hostname_rfc1123"`
	// Selector matches the pods of the service.
	Selector map[string]string `json:"selector,omitempty"`
	// Port on which instances serve the reload endpoint.
	Port int32 `json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// ConfigMapKey returns the namespaced name of the service's policy ConfigMap.
func (s ServiceConfig) ConfigMapKey() types.NamespacedName {
	return types.NamespacedName{Namespace: s.Namespace, Name: s.ConfigMapName}
}

// File is the on-disk layout of the services config file.
type File struct {
	Services []ServiceConfig `json:"services" validate:"required,min=1,dive"`
}

// Defaults fill the optional fields of a ServiceConfig.
type Defaults struct {
	ConfigMapName string
	Port          int32
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile decodes and validates a services config file.
func LoadFile(data []byte) ([]ServiceConfig, error) {
	file := &File{}
	if err := yaml.UnmarshalStrict(data, file); err != nil {
		return nil, fmt.Errorf("the services configuration is invalid - %w", err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("the services configuration is invalid - %w", err)
	}
	return file.Services, nil
}

// ParseServiceList turns a comma separated list of service names into
// service configs that rely entirely on defaults.
func ParseServiceList(list string) []ServiceConfig {
	var services []ServiceConfig
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		services = append(services, ServiceConfig{Name: policy.ServiceName(name)})
	}
	return services
}

// Registry is the validated, immutable set of managed services.
type Registry struct {
	services map[policy.ServiceName]ServiceConfig
	names    []policy.ServiceName
}

// NewRegistry applies defaults to the given services, validates them and
// returns the registry. Service names must be unique and no two services
// may keep their policy in the same ConfigMap.
func NewRegistry(services []ServiceConfig, defaults Defaults) (*Registry, error) {
	if len(services) == 0 {
		return nil, errors.New("at least one managed service must be configured")
	}
	if defaults.ConfigMapName == "" {
		defaults.ConfigMapName = DefaultConfigMapName
	}
	if defaults.Port == 0 {
		defaults.Port = DefaultInstancePort
	}

	r := &Registry{services: make(map[policy.ServiceName]ServiceConfig, len(services))}
	owners := make(map[types.NamespacedName]policy.ServiceName, len(services))
	for _, svc := range services {
		svc = withDefaults(svc, defaults)
		if err := validate.Struct(svc); err != nil {
			return nil, fmt.Errorf("invalid service %q - %w", svc.Name, err)
		}
		if _, err := labels.ValidatedSelectorFromSet(svc.Selector); err != nil {
			return nil, fmt.Errorf("invalid selector for service %q - %w", svc.Name, err)
		}
		if _, exists := r.services[svc.Name]; exists {
			return nil, fmt.Errorf("service %q is configured more than once", svc.Name)
		}
		key := svc.ConfigMapKey()
		if owner, taken := owners[key]; taken {
			return nil, fmt.Errorf("service %q shares policy ConfigMap %s with %q", svc.Name, key, owner)
		}
		owners[key] = svc.Name
		r.services[svc.Name] = svc
		r.names = append(r.names, svc.Name)
	}
	return r, nil
}

func withDefaults(svc ServiceConfig, defaults Defaults) ServiceConfig {
	if svc.Namespace == "" {
		svc.Namespace = string(svc.Name)
	}
	if svc.ConfigMapName == "" {
		svc.ConfigMapName = defaults.ConfigMapName
	}
	if len(svc.Selector) == 0 {
		svc.Selector = map[string]string{DefaultSelectorKey: string(svc.Name)}
	}
	if svc.Port == 0 {
		svc.Port = defaults.Port
	}
	return svc
}

// Lookup returns the config of the named service, or a ServiceUnknown error.
func (r *Registry) Lookup(name policy.ServiceName) (ServiceConfig, error) {
	svc, ok := r.services[name]
	if !ok {
		return ServiceConfig{}, errutil.Errorf(errutil.ServiceUnknown, "service %q is not managed", name)
	}
	return svc, nil
}

// Names returns the managed service names in configuration order.
func (r *Registry) Names() []policy.ServiceName {
	return slices.Clone(r.names)
}

// ServiceForConfigMap returns the service whose policy lives in the given
// ConfigMap, if any.
func (r *Registry) ServiceForConfigMap(key types.NamespacedName) (policy.ServiceName, bool) {
	for _, name := range r.names {
		if r.services[name].ConfigMapKey() == key {
			return name, true
		}
	}
	return "", false
}
