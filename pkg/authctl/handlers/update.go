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
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/propagation"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
)

const (
	// Aggregate statuses of an all-services update.
	Succeeded = "Succeeded"
	Failed    = "Failed"
)

// InstanceFailure names an instance that did not acknowledge a policy.
type InstanceFailure struct {
	Pod     string `json:"pod"`
	Address string `json:"address"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpdateResponse reports the outcome of a policy change for one service.
type UpdateResponse struct {
	OperationID     string             `json:"operationId,omitempty"`
	Service         policy.ServiceName `json:"service"`
	Status          string             `json:"status"`
	Message         string             `json:"message"`
	Policy          policy.Policy      `json:"policy"`
	Instances       int                `json:"instances"`
	Acknowledged    int                `json:"acknowledged"`
	FailedInstances []InstanceFailure  `json:"failedInstances,omitempty"`
	Error           *ErrorResponse     `json:"error,omitempty"`
}

// UpdateAllResponse reports an all-services update with a per-service breakdown.
type UpdateAllResponse struct {
	OperationID string           `json:"operationId"`
	Status      string           `json:"status"`
	Message     string           `json:"message"`
	Services    []UpdateResponse `json:"services"`
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, errutil.Errorf(errutil.BadRequest, "failed to parse form - %v", err))
		return
	}
	service := serviceName(r.Form.Get("service"))
	if service == "" {
		writeError(w, r, errutil.Errorf(errutil.BadRequest, "the service field is required"))
		return
	}
	if _, err := s.registry.Lookup(service); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := parsePolicy(r.Form, "sign", "verify")
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := s.engine.Apply(r.Context(), service, p)
	s.refreshCache(out)

	resp := newUpdateResponse(out)
	resp.OperationID = propagation.OperationIDFromContext(r.Context())
	status := http.StatusOK
	if out.Status() == propagation.NotApplied {
		status = http.StatusServiceUnavailable
		if errutil.CanonicalCode(out.StoreErr) == errutil.StoreConflict {
			status = http.StatusConflict
		}
	}
	writeJSON(w, r, status, resp)
}

func (s *Server) updateAll(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, errutil.Errorf(errutil.BadRequest, "failed to parse form - %v", err))
		return
	}
	p, err := parsePolicy(r.Form, "sign_all", "verify_all")
	if err != nil {
		writeError(w, r, err)
		return
	}

	outcomes := s.engine.ApplyAll(r.Context(), s.registry.Names(), p)
	resp := UpdateAllResponse{
		OperationID: propagation.OperationIDFromContext(r.Context()),
		Services:    make([]UpdateResponse, 0, len(outcomes)),
	}
	counts := map[propagation.Status]int{}
	for _, out := range outcomes {
		s.refreshCache(out)
		counts[out.Status()]++
		resp.Services = append(resp.Services, newUpdateResponse(out))
	}

	status := http.StatusOK
	resp.Status = Succeeded
	if counts[propagation.NotApplied] == len(outcomes) {
		status = http.StatusServiceUnavailable
		resp.Status = Failed
	}
	resp.Message = fmt.Sprintf("%d fully applied, %d partially applied, %d not applied",
		counts[propagation.FullyApplied], counts[propagation.PartiallyApplied], counts[propagation.NotApplied])
	writeJSON(w, r, status, resp)
}

// refreshCache stores the written policy in the cache once the store accepted it.
func (s *Server) refreshCache(out propagation.Outcome) {
	if out.StoreErr == nil {
		s.datastore.PolicySet(out.Service, out.Policy)
	}
}

func newUpdateResponse(out propagation.Outcome) UpdateResponse {
	resp := UpdateResponse{
		Service:      out.Service,
		Status:       out.Status().String(),
		Policy:       out.Policy,
		Instances:    len(out.Instances),
		Acknowledged: out.Acknowledged(),
	}
	for _, f := range out.FailedInstances() {
		resp.FailedInstances = append(resp.FailedInstances, InstanceFailure{
			Pod:     f.Endpoint.Pod.String(),
			Address: f.Endpoint.Address,
			Code:    errutil.CanonicalCode(f.Err),
			Message: f.Err.Error(),
		})
	}

	switch {
	case out.StoreErr != nil:
		resp.Message = "policy was not stored, no instance was notified"
		resp.Error = &ErrorResponse{Code: errutil.CanonicalCode(out.StoreErr), Message: out.StoreErr.Error()}
	case out.DirectoryErr != nil:
		resp.Message = "policy stored, live instances could not be resolved"
		resp.Error = &ErrorResponse{Code: errutil.CanonicalCode(out.DirectoryErr), Message: out.DirectoryErr.Error()}
	case len(resp.FailedInstances) > 0:
		resp.Message = fmt.Sprintf("policy stored, %d of %d instances did not acknowledge", len(resp.FailedInstances), resp.Instances)
	default:
		resp.Message = fmt.Sprintf("policy applied to %d/%d instances", resp.Acknowledged, resp.Instances)
	}
	return resp
}

func parsePolicy(form url.Values, signKey, verifyKey string) (policy.Policy, error) {
	sign, err := parseFlag(form, signKey)
	if err != nil {
		return policy.Policy{}, err
	}
	verify, err := parseFlag(form, verifyKey)
	if err != nil {
		return policy.Policy{}, err
	}
	return policy.Policy{Sign: sign, Verify: verify}, nil
}

// parseFlag reads a checkbox style form field. An absent field is false; an empty
// value or "on" is true.
func parseFlag(form url.Values, key string) (bool, error) {
	values, ok := form[key]
	if !ok || len(values) == 0 {
		return false, nil
	}
	v := strings.ToLower(strings.TrimSpace(values[0]))
	switch v {
	case "", "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errutil.Errorf(errutil.BadRequest, "invalid value %q for field %s", values[0], key)
	}
	return b, nil
}
