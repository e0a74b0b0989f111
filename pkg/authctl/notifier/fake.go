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

package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/directory"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
)

// FakeNotifier records notifications and answers from per-address results.
type FakeNotifier struct {
	mu sync.Mutex
	// Err maps an endpoint address to the error returned for it.
	Err map[string]error
	// Delay maps an endpoint address to a delay applied before answering.
	Delay map[string]time.Duration
	// Calls records every notified endpoint, in completion order.
	Calls []directory.Endpoint
	// Received records the last policy delivered to each address.
	Received map[string]policy.Policy
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{
		Err:      map[string]error{},
		Delay:    map[string]time.Duration{},
		Received: map[string]policy.Policy{},
	}
}

func (f *FakeNotifier) Notify(_ context.Context, ep directory.Endpoint, p policy.Policy) error {
	f.mu.Lock()
	delay := f.Delay[ep.Address]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, ep)
	if err := f.Err[ep.Address]; err != nil {
		return err
	}
	f.Received[ep.Address] = p
	return nil
}

// CallCount returns the number of notifications attempted so far.
func (f *FakeNotifier) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
