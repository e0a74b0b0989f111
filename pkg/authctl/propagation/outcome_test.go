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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/directory"
)

func TestOutcomeStatus(t *testing.T) {
	failure := errors.New("boom")
	tests := []struct {
		name    string
		outcome Outcome
		want    Status
	}{
		{
			name:    "zero instances",
			outcome: Outcome{},
			want:    FullyApplied,
		},
		{
			name: "all acknowledged",
			outcome: Outcome{Instances: []InstanceResult{
				{Endpoint: directory.Endpoint{Address: "a"}},
				{Endpoint: directory.Endpoint{Address: "b"}},
			}},
			want: FullyApplied,
		},
		{
			name: "one failed",
			outcome: Outcome{Instances: []InstanceResult{
				{Endpoint: directory.Endpoint{Address: "a"}},
				{Endpoint: directory.Endpoint{Address: "b"}, Err: failure},
			}},
			want: PartiallyApplied,
		},
		{
			name:    "directory failed",
			outcome: Outcome{DirectoryErr: failure},
			want:    PartiallyApplied,
		},
		{
			name:    "store failed",
			outcome: Outcome{StoreErr: failure, DirectoryErr: failure},
			want:    NotApplied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.Status())
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "FullyApplied", FullyApplied.String())
	assert.Equal(t, "PartiallyApplied", PartiallyApplied.String())
	assert.Equal(t, "NotApplied", NotApplied.String())
	assert.Equal(t, "Unknown", Status(42).String())
}
