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

package store

import (
	"context"
	"sync"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
)

// FakeStore is an in-memory Store for tests. Errors can be injected per service.
type FakeStore struct {
	mu       sync.Mutex
	Policies map[policy.ServiceName]policy.Policy
	GetErr   map[policy.ServiceName]error
	SetErr   map[policy.ServiceName]error
	// SetCalls records the services passed to Set, in call order.
	SetCalls []policy.ServiceName
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Policies: map[policy.ServiceName]policy.Policy{},
		GetErr:   map[policy.ServiceName]error{},
		SetErr:   map[policy.ServiceName]error{},
	}
}

func (f *FakeStore) Get(_ context.Context, service policy.ServiceName) (policy.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.GetErr[service]; err != nil {
		return policy.Policy{}, err
	}
	if p, ok := f.Policies[service]; ok {
		return p, nil
	}
	return policy.Default(), nil
}

func (f *FakeStore) Set(_ context.Context, service policy.ServiceName, p policy.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetCalls = append(f.SetCalls, service)
	if err := f.SetErr[service]; err != nil {
		return err
	}
	f.Policies[service] = p
	return nil
}
