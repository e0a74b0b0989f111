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
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/propagation"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

// ServiceSettings is one entry of the services listing.
type ServiceSettings struct {
	Service policy.ServiceName `json:"service"`
	Cached  bool               `json:"cached"`
	*policy.Policy
}

// RebuildResponse reports a cache rebuild.
type RebuildResponse struct {
	OperationID string `json:"operationId"`
	Services    int    `json:"services"`
}

// serviceName normalizes a service name taken from a query or form value.
func serviceName(raw string) policy.ServiceName {
	return policy.ServiceName(strings.TrimSpace(raw))
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	service := serviceName(r.URL.Query().Get("service"))
	if service == "" {
		writeError(w, r, errutil.Errorf(errutil.BadRequest, "the service query parameter is required"))
		return
	}
	p, err := s.Policy(r.Context(), service)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// Policy returns the policy of service from the cache, falling back to the store.
// A store read refreshes the cache.
func (s *Server) Policy(ctx context.Context, service policy.ServiceName) (policy.Policy, error) {
	if _, err := s.registry.Lookup(service); err != nil {
		return policy.Policy{}, err
	}
	if p, ok := s.datastore.PolicyGet(service); ok {
		return p, nil
	}
	p, err := s.store.Get(ctx, service)
	if err != nil {
		return policy.Policy{}, err
	}
	s.datastore.PolicySet(service, p)
	log.FromContext(ctx).V(logutil.DEBUG).Info("Cached policy from store", "service", service, "policy", p)
	return p, nil
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	resp := make([]ServiceSettings, 0, len(names))
	for _, name := range names {
		entry := ServiceSettings{Service: name}
		if p, ok := s.datastore.PolicyGet(name); ok {
			entry.Cached = true
			entry.Policy = ptr.To(p)
		}
		resp = append(resp, entry)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// rebuildCache re-reads the store into the cache. With reset=true the cache is
// emptied first, so entries of services that fail to read are dropped.
func (s *Server) rebuildCache(w http.ResponseWriter, r *http.Request) {
	if reset, _ := strconv.ParseBool(r.URL.Query().Get("reset")); reset {
		s.datastore.Clear()
		log.FromContext(r.Context()).V(logutil.VERBOSE).Info("Policy cache cleared")
	}
	if err := s.Rebuild(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, RebuildResponse{
		OperationID: propagation.OperationIDFromContext(r.Context()),
		Services:    len(s.registry.Names()),
	})
}

// Rebuild re-reads every managed service from the store into the cache. Services
// that fail keep their previous cache entry. The cache is marked synced once every
// service has been read successfully.
func (s *Server) Rebuild(ctx context.Context) error {
	logger := log.FromContext(ctx)
	var errs error
	for _, service := range s.registry.Names() {
		p, err := s.store.Get(ctx, service)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to read policy of %q - %w", service, err))
			continue
		}
		s.datastore.PolicySet(service, p)
	}
	if errs != nil {
		return errs
	}
	s.datastore.MarkSynced()
	logger.V(logutil.DEFAULT).Info("Policy cache rebuilt", "services", len(s.registry.Names()))
	return nil
}
