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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/agent"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/directory"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
)

func endpointFor(srv *httptest.Server) directory.Endpoint {
	return directory.Endpoint{
		Pod:     types.NamespacedName{Namespace: "orders", Name: "orders-0"},
		Address: strings.TrimPrefix(srv.URL, "http://"),
	}
}

func TestNotifyAcknowledged(t *testing.T) {
	settings := agent.NewSettings(policy.Default(), testr.New(t))
	mux := http.NewServeMux()
	mux.Handle(ReloadPath, settings.ReloadHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	n := NewHTTPNotifier()
	want := policy.Policy{Sign: true, Verify: false}
	require.NoError(t, n.Notify(context.Background(), endpointFor(srv), want))
	assert.Equal(t, want, settings.Policy())
}

func TestNotifyFailures(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		closed   bool
		wantCode string
	}{
		{
			name: "instance rejects",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantCode: errutil.InstanceRejected,
		},
		{
			name: "instance hangs",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(5 * time.Second):
				}
			},
			wantCode: errutil.InstanceTimeout,
		},
		{
			name:     "instance gone",
			handler:  func(http.ResponseWriter, *http.Request) {},
			closed:   true,
			wantCode: errutil.InstanceUnreachable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			ep := endpointFor(srv)
			if tt.closed {
				srv.Close()
			} else {
				defer srv.Close()
			}

			n := NewHTTPNotifier()
			n.timeout = 100 * time.Millisecond
			err := n.Notify(context.Background(), ep, policy.Default())
			assert.Equal(t, tt.wantCode, errutil.CanonicalCode(err), "error: %v", err)
		})
	}
}
