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

package propagation

import (
	"context"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/directory"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
)

// Status summarizes how far a policy change got for one service.
type Status int

const (
	// FullyApplied means the store write succeeded and every resolved instance acknowledged.
	FullyApplied Status = iota
	// PartiallyApplied means the store write succeeded but the directory or an instance failed.
	PartiallyApplied
	// NotApplied means the store write failed. No instance was notified.
	NotApplied
)

func (s Status) String() string {
	switch s {
	case FullyApplied:
		return "FullyApplied"
	case PartiallyApplied:
		return "PartiallyApplied"
	case NotApplied:
		return "NotApplied"
	}
	return "Unknown"
}

// InstanceResult is the notification result for one endpoint. Err is nil when acknowledged.
type InstanceResult struct {
	Endpoint directory.Endpoint
	Err      error
}

// Outcome is the result of applying a policy to one service.
type Outcome struct {
	Service      policy.ServiceName
	Policy       policy.Policy
	StoreErr     error
	DirectoryErr error
	Instances    []InstanceResult
}

func (o Outcome) Status() Status {
	if o.StoreErr != nil {
		return NotApplied
	}
	if o.DirectoryErr != nil || len(o.FailedInstances()) > 0 {
		return PartiallyApplied
	}
	return FullyApplied
}

// FailedInstances returns the instances that did not acknowledge, in resolution order.
func (o Outcome) FailedInstances() []InstanceResult {
	var failed []InstanceResult
	for _, r := range o.Instances {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Acknowledged returns the number of instances that acknowledged the policy.
func (o Outcome) Acknowledged() int {
	return len(o.Instances) - len(o.FailedInstances())
}

type operationIDKey struct{}

// WithOperationID returns a copy of ctx carrying the operation ID.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

// OperationIDFromContext returns the operation ID stored in ctx, if any.
func OperationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(operationIDKey{}).(string)
	return id
}
