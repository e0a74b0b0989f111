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

package datastore

import (
	"sync"
	"sync/atomic"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
)

// The datastore is a process-local cache of the last known policy of each managed service.
// It is never the source of truth: entries serve reads when the store is slow or briefly
// unreachable and are never consulted when deciding what to write. Concurrent writers
// follow last-writer-wins semantics. The cache can be cleared and rebuilt from the store
// at any time.
type Datastore interface {
	PolicyGet(service policy.ServiceName) (policy.Policy, bool)
	PolicySet(service policy.ServiceName, p policy.Policy)
	PolicyDelete(service policy.ServiceName)
	PolicyGetAll() map[policy.ServiceName]policy.Policy

	// HasSynced reports whether the cache was seeded from the store at least once.
	HasSynced() bool
	MarkSynced()

	// Clears the cache, e.g. before a rebuild.
	Clear()
}

// NewDatastore creates an empty policy cache.
func NewDatastore() Datastore {
	return &datastore{
		policies: &sync.Map{},
	}
}

type datastore struct {
	// key: policy.ServiceName, value: policy.Policy
	policies *sync.Map
	synced   atomic.Bool
}

func (ds *datastore) PolicyGet(service policy.ServiceName) (policy.Policy, bool) {
	val, ok := ds.policies.Load(service)
	if !ok {
		return policy.Policy{}, false
	}
	return val.(policy.Policy), true
}

func (ds *datastore) PolicySet(service policy.ServiceName, p policy.Policy) {
	ds.policies.Store(service, p)
}

func (ds *datastore) PolicyDelete(service policy.ServiceName) {
	ds.policies.Delete(service)
}

func (ds *datastore) PolicyGetAll() map[policy.ServiceName]policy.Policy {
	res := map[policy.ServiceName]policy.Policy{}
	ds.policies.Range(func(k, v any) bool {
		res[k.(policy.ServiceName)] = v.(policy.Policy)
		return true
	})
	return res
}

func (ds *datastore) HasSynced() bool {
	return ds.synced.Load()
}

func (ds *datastore) MarkSynced() {
	ds.synced.Store(true)
}

func (ds *datastore) Clear() {
	ds.policies.Clear()
}
