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

package directory

import (
	"context"
	"sync"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
)

// FakeDirectory is an in-memory Directory for tests.
type FakeDirectory struct {
	mu        sync.Mutex
	Endpoints map[policy.ServiceName][]Endpoint
	Err       map[policy.ServiceName]error
	// ResolveCalls records the services passed to Resolve, in call order.
	ResolveCalls []policy.ServiceName
}

func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		Endpoints: map[policy.ServiceName][]Endpoint{},
		Err:       map[policy.ServiceName]error{},
	}
}

func (f *FakeDirectory) Resolve(_ context.Context, service policy.ServiceName) ([]Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResolveCalls = append(f.ResolveCalls, service)
	if err := f.Err[service]; err != nil {
		return nil, err
	}
	return append([]Endpoint(nil), f.Endpoints[service]...), nil
}
