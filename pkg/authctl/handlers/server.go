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

// Package handlers serves the Control API: policy reads, per-service and
// all-services updates, and cache maintenance.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/datastore"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/propagation"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/store"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

// OperationIDHeader carries the operation ID of every response.
const OperationIDHeader = "X-Operation-Id"

// Server implements the Control API. The datastore is owned by the server and
// only ever used for display.
type Server struct {
	registry  *config.Registry
	store     store.Store
	datastore datastore.Datastore
	engine    *propagation.Engine
	logger    logr.Logger
}

func NewServer(registry *config.Registry, s store.Store, ds datastore.Datastore, engine *propagation.Engine, logger logr.Logger) *Server {
	return &Server{
		registry:  registry,
		store:     s,
		datastore: ds,
		engine:    engine,
		logger:    logger,
	}
}

// RegisterRoutes mounts the Control API on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/settings", s.getSettings)
	r.Post("/update", s.update)
	r.Post("/update_all", s.updateAll)
	r.Get("/services", s.listServices)
	r.Post("/cache/rebuild", s.rebuildCache)
}

// Handler returns a router serving the Control API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withOperation)
	s.RegisterRoutes(r)
	return r
}

// withOperation tags the request with an operation ID and a request scoped logger.
func (s *Server) withOperation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		opID := uuid.NewString()
		logger := s.logger.WithValues("operationId", opID, "method", r.Method, "path", r.URL.Path)
		ctx := propagation.WithOperationID(log.IntoContext(r.Context(), logger), opID)
		w.Header().Set(OperationIDHeader, opID)
		logger.V(logutil.TRACE).Info("Handling request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	OperationID string `json:"operationId,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.FromContext(r.Context()).Error(err, "Failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errutil.CanonicalCode(err)
	status := httpStatus(code)
	logger := log.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error(err, "Request failed")
	} else {
		logger.V(logutil.DEBUG).Info("Request rejected", "code", code, "reason", err.Error())
	}
	writeJSON(w, r, status, ErrorResponse{
		OperationID: propagation.OperationIDFromContext(r.Context()),
		Code:        code,
		Message:     err.Error(),
	})
}

func httpStatus(code string) int {
	switch code {
	case errutil.BadRequest:
		return http.StatusBadRequest
	case errutil.ServiceUnknown:
		return http.StatusNotFound
	case errutil.StoreConflict:
		return http.StatusConflict
	case errutil.StoreUnavailable, errutil.DirectoryUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
