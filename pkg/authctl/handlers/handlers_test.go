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

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/datastore"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/directory"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/notifier"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/propagation"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/store"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

type testEnv struct {
	server    *Server
	handler   http.Handler
	store     *store.FakeStore
	directory *directory.FakeDirectory
	notifier  *notifier.FakeNotifier
	datastore datastore.Datastore
}

func newTestEnv(t *testing.T, services ...policy.ServiceName) *testEnv {
	t.Helper()
	var cfgs []config.ServiceConfig
	for _, s := range services {
		cfgs = append(cfgs, config.ServiceConfig{Name: s})
	}
	registry, err := config.NewRegistry(cfgs, config.Defaults{})
	require.NoError(t, err)

	env := &testEnv{
		store:     store.NewFakeStore(),
		directory: directory.NewFakeDirectory(),
		notifier:  notifier.NewFakeNotifier(),
		datastore: datastore.NewDatastore(),
	}
	engine := propagation.NewEngine(env.store, env.directory, env.notifier, 4)
	env.server = NewServer(registry, env.store, env.datastore, engine, logging.NewTestLogger())
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) addInstances(service policy.ServiceName, addresses ...string) {
	for i, addr := range addresses {
		e.directory.Endpoints[service] = append(e.directory.Endpoints[service], directory.Endpoint{
			Pod:     types.NamespacedName{Namespace: string(service), Name: string(service) + "-" + string(rune('0'+i))},
			Address: addr,
		})
	}
}

func (e *testEnv) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func TestGetSettings(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		stored     map[policy.ServiceName]policy.Policy
		cached     map[policy.ServiceName]policy.Policy
		getErr     error
		wantStatus int
		wantPolicy policy.Policy
		wantCode   string
	}{
		{
			name:       "never written service returns defaults",
			target:     "/settings?service=orders",
			wantStatus: http.StatusOK,
			wantPolicy: policy.Policy{Sign: true, Verify: true},
		},
		{
			name:       "stored policy",
			target:     "/settings?service=orders",
			stored:     map[policy.ServiceName]policy.Policy{"orders": {Sign: false, Verify: true}},
			wantStatus: http.StatusOK,
			wantPolicy: policy.Policy{Sign: false, Verify: true},
		},
		{
			name:       "cache answers before store",
			target:     "/settings?service=orders",
			cached:     map[policy.ServiceName]policy.Policy{"orders": {Sign: true, Verify: false}},
			getErr:     errutil.Errorf(errutil.StoreUnavailable, "down"),
			wantStatus: http.StatusOK,
			wantPolicy: policy.Policy{Sign: true, Verify: false},
		},
		{
			name:       "store unavailable",
			target:     "/settings?service=orders",
			getErr:     errutil.Errorf(errutil.StoreUnavailable, "down"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   errutil.StoreUnavailable,
		},
		{
			name:       "surrounding whitespace is trimmed",
			target:     "/settings?service=%20orders%20",
			stored:     map[policy.ServiceName]policy.Policy{"orders": {Sign: true, Verify: false}},
			wantStatus: http.StatusOK,
			wantPolicy: policy.Policy{Sign: true, Verify: false},
		},
		{
			name:       "blank service",
			target:     "/settings?service=%20",
			wantStatus: http.StatusBadRequest,
			wantCode:   errutil.BadRequest,
		},
		{
			name:       "unknown service",
			target:     "/settings?service=payments",
			wantStatus: http.StatusNotFound,
			wantCode:   errutil.ServiceUnknown,
		},
		{
			name:       "missing service",
			target:     "/settings",
			wantStatus: http.StatusBadRequest,
			wantCode:   errutil.BadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "orders", "billing")
			for svc, p := range tt.stored {
				env.store.Policies[svc] = p
			}
			for svc, p := range tt.cached {
				env.datastore.PolicySet(svc, p)
			}
			if tt.getErr != nil {
				env.store.GetErr["orders"] = tt.getErr
			}

			w := env.do(http.MethodGet, tt.target, nil)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.NotEmpty(t, w.Header().Get(OperationIDHeader))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, w).Code)
				return
			}
			assert.Equal(t, tt.wantPolicy, decode[policy.Policy](t, w))
			cached, ok := env.datastore.PolicyGet("orders")
			assert.True(t, ok)
			assert.Equal(t, tt.wantPolicy, cached)
		})
	}
}

func TestUpdateOrdersScenario(t *testing.T) {
	env := newTestEnv(t, "orders")
	env.addInstances("orders", "10.0.0.1:8080", "10.0.0.2:8080")

	w := env.do(http.MethodPost, "/update", url.Values{"service": {"orders"}, "sign": {"on"}})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[UpdateResponse](t, w)
	assert.Equal(t, "FullyApplied", resp.Status)
	assert.Equal(t, 2, resp.Instances)
	assert.Equal(t, 2, resp.Acknowledged)
	assert.Equal(t, w.Header().Get(OperationIDHeader), resp.OperationID)

	w = env.do(http.MethodGet, "/settings?service=orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, policy.Policy{Sign: true, Verify: false}, decode[policy.Policy](t, w))

	stored, err := env.store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, policy.Policy{Sign: true, Verify: false}, stored)
}

func TestUpdate(t *testing.T) {
	tests := []struct {
		name        string
		form        url.Values
		setErr      error
		notifyErr   map[string]error
		wantStatus  int
		wantOutcome string
		wantFailed  []InstanceFailure
		wantCode    string
		wantNotify  int
	}{
		{
			name:        "partial when one instance times out",
			form:        url.Values{"service": {"orders"}, "sign": {"true"}, "verify": {"1"}},
			notifyErr:   map[string]error{"10.0.0.2:8080": errutil.Errorf(errutil.InstanceTimeout, "no answer")},
			wantStatus:  http.StatusOK,
			wantOutcome: "PartiallyApplied",
			wantFailed: []InstanceFailure{{
				Pod:     "orders/orders-1",
				Address: "10.0.0.2:8080",
				Code:    errutil.InstanceTimeout,
				Message: "auth control: InstanceTimeout - no answer",
			}},
			wantNotify: 3,
		},
		{
			name:        "store conflict",
			form:        url.Values{"service": {"orders"}},
			setErr:      errutil.Errorf(errutil.StoreConflict, "stale"),
			wantStatus:  http.StatusConflict,
			wantOutcome: "NotApplied",
			wantCode:    errutil.StoreConflict,
		},
		{
			name:        "store unavailable",
			form:        url.Values{"service": {"orders"}, "sign": {""}},
			setErr:      errutil.Errorf(errutil.StoreUnavailable, "down"),
			wantStatus:  http.StatusServiceUnavailable,
			wantOutcome: "NotApplied",
			wantCode:    errutil.StoreUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "orders")
			env.addInstances("orders", "10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")
			if tt.setErr != nil {
				env.store.SetErr["orders"] = tt.setErr
			}
			for addr, err := range tt.notifyErr {
				env.notifier.Err[addr] = err
			}

			w := env.do(http.MethodPost, "/update", tt.form)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			resp := decode[UpdateResponse](t, w)
			assert.Equal(t, tt.wantOutcome, resp.Status)
			if diff := cmp.Diff(tt.wantFailed, resp.FailedInstances); diff != "" {
				t.Errorf("Unexpected failed instances (-want +got): %s", diff)
			}
			if tt.wantCode != "" {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.wantCode, resp.Error.Code)
				_, cached := env.datastore.PolicyGet("orders")
				assert.False(t, cached, "a failed write must not reach the cache")
			}
			assert.Equal(t, tt.wantNotify, env.notifier.CallCount())
		})
	}
}

func TestUpdateRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing service",
			form:       url.Values{"sign": {"on"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   errutil.BadRequest,
		},
		{
			name:       "unknown service",
			form:       url.Values{"service": {"payments"}},
			wantStatus: http.StatusNotFound,
			wantCode:   errutil.ServiceUnknown,
		},
		{
			name:       "invalid flag value",
			form:       url.Values{"service": {"orders"}, "verify": {"maybe"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   errutil.BadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "orders")

			w := env.do(http.MethodPost, "/update", tt.form)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, w).Code)
			assert.Empty(t, env.store.SetCalls)
		})
	}
}

func TestUpdateAll(t *testing.T) {
	services := []policy.ServiceName{"orders", "billing", "kafka"}

	t.Run("one store failure", func(t *testing.T) {
		env := newTestEnv(t, services...)
		env.addInstances("orders", "10.0.0.1:8080")
		env.addInstances("billing", "10.0.1.1:8080")
		env.addInstances("kafka", "10.0.2.1:8080")
		env.store.SetErr["billing"] = errutil.Errorf(errutil.StoreUnavailable, "down")

		w := env.do(http.MethodPost, "/update_all", url.Values{"verify_all": {"on"}})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[UpdateAllResponse](t, w)
		assert.Equal(t, Succeeded, resp.Status)
		require.Len(t, resp.Services, 3)
		var got []string
		for _, s := range resp.Services {
			got = append(got, string(s.Service)+"="+s.Status)
		}
		assert.Equal(t, []string{"orders=FullyApplied", "billing=NotApplied", "kafka=FullyApplied"}, got)
		assert.Equal(t, 2, env.notifier.CallCount())

		want := policy.Policy{Sign: false, Verify: true}
		for _, svc := range []policy.ServiceName{"orders", "kafka"} {
			cached, ok := env.datastore.PolicyGet(svc)
			assert.True(t, ok)
			assert.Equal(t, want, cached)
		}
		_, ok := env.datastore.PolicyGet("billing")
		assert.False(t, ok)
	})

	t.Run("every store write fails", func(t *testing.T) {
		env := newTestEnv(t, services...)
		for _, svc := range services {
			env.store.SetErr[svc] = errutil.Errorf(errutil.StoreUnavailable, "down")
		}

		w := env.do(http.MethodPost, "/update_all", url.Values{})

		require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
		resp := decode[UpdateAllResponse](t, w)
		assert.Equal(t, Failed, resp.Status)
		assert.Equal(t, 0, env.notifier.CallCount())
	})

	t.Run("invalid flag value", func(t *testing.T) {
		env := newTestEnv(t, services...)

		w := env.do(http.MethodPost, "/update_all", url.Values{"sign_all": {"yes please"}})

		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, env.store.SetCalls)
	})
}

func TestParseFlag(t *testing.T) {
	tests := []struct {
		name    string
		form    url.Values
		want    bool
		wantErr bool
	}{
		{name: "absent", form: url.Values{}, want: false},
		{name: "empty", form: url.Values{"f": {""}}, want: true},
		{name: "on", form: url.Values{"f": {"on"}}, want: true},
		{name: "upper case on", form: url.Values{"f": {"ON"}}, want: true},
		{name: "off", form: url.Values{"f": {"off"}}, want: false},
		{name: "true", form: url.Values{"f": {"true"}}, want: true},
		{name: "zero", form: url.Values{"f": {"0"}}, want: false},
		{name: "garbage", form: url.Values{"f": {"sometimes"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlag(tt.form, "f")
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errutil.BadRequest, errutil.CanonicalCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRebuild(t *testing.T) {
	env := newTestEnv(t, "orders", "billing")
	env.store.Policies["orders"] = policy.Policy{Sign: false, Verify: false}
	env.store.GetErr["billing"] = errutil.Errorf(errutil.StoreUnavailable, "down")

	w := env.do(http.MethodPost, "/cache/rebuild", nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.False(t, env.datastore.HasSynced())
	cached, ok := env.datastore.PolicyGet("orders")
	assert.True(t, ok)
	assert.Equal(t, policy.Policy{}, cached)

	delete(env.store.GetErr, "billing")
	w = env.do(http.MethodPost, "/cache/rebuild", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[RebuildResponse](t, w).Services)
	assert.True(t, env.datastore.HasSynced())
	assert.Equal(t, map[policy.ServiceName]policy.Policy{
		"orders":  {Sign: false, Verify: false},
		"billing": policy.Default(),
	}, env.datastore.PolicyGetAll())
}

func TestRebuildReset(t *testing.T) {
	env := newTestEnv(t, "orders", "billing")
	env.datastore.PolicySet("orders", policy.Policy{Sign: true})
	env.datastore.PolicySet("billing", policy.Policy{Verify: true})
	env.store.GetErr["billing"] = errutil.Errorf(errutil.StoreUnavailable, "down")

	w := env.do(http.MethodPost, "/cache/rebuild?reset=true", nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Equal(t, map[policy.ServiceName]policy.Policy{"orders": policy.Default()}, env.datastore.PolicyGetAll())
}

func TestListServices(t *testing.T) {
	env := newTestEnv(t, "orders", "billing")
	env.datastore.PolicySet("billing", policy.Policy{Sign: true})

	w := env.do(http.MethodGet, "/services", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[
		{"service":"orders","cached":false},
		{"service":"billing","cached":true,"sign":true,"verify":false}
	]`, w.Body.String())
}
