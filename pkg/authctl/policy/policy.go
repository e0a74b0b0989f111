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

// Package policy defines the per-service authentication policy managed by the
// control plane.
package policy

import "fmt"

// ServiceName identifies a managed service. The set of valid names is fixed at
// startup by the service registry.
type ServiceName string

// Policy controls whether a service signs outgoing requests and verifies
// incoming ones.
type Policy struct {
	Sign   bool `json:"sign"`
	Verify bool `json:"verify"`
}

// Default is the policy of a service whose record was never written.
// Enforcement is on unless explicitly turned off.
func Default() Policy {
	return Policy{Sign: true, Verify: true}
}

func (p Policy) String() string {
	return fmt.Sprintf("sign=%t verify=%t", p.Sign, p.Verify)
}

// Record is a policy bound to the service it belongs to.
type Record struct {
	Service ServiceName `json:"service"`
	Policy
}
