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

package runner

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/datastore"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

const (
	LivenessCheckService  = "liveness"
	ReadinessCheckService = "readiness"
	// ControlAPICheckService reports whether the Control API can serve reads.
	ControlAPICheckService = "authctl.ControlAPI"
)

// healthServer reports the process live as soon as it answers, and ready once the
// policy cache was seeded from the store.
type healthServer struct {
	logger    logr.Logger
	datastore datastore.Datastore
}

func (s *healthServer) Check(ctx context.Context, in *healthPb.HealthCheckRequest) (*healthPb.HealthCheckResponse, error) {
	synced := s.datastore.HasSynced()

	var checkName string
	var isPassing bool
	switch in.Service {
	case LivenessCheckService:
		checkName = "liveness"
		// The cache state must not affect liveness, an unreachable store would otherwise
		// restart the pod in a loop.
		isPassing = true
	case ReadinessCheckService:
		checkName = "readiness"
		isPassing = synced
	case "": // Handle overall server health for load balancers that use an empty service name.
		checkName = "empty service name (considered as overall health)"
		isPassing = synced
	case ControlAPICheckService:
		checkName = "control API"
		isPassing = synced
	default:
		s.logger.V(logutil.DEFAULT).Info("gRPC health check requested unknown service",
			"available-services", []string{LivenessCheckService, ReadinessCheckService, ControlAPICheckService}, "requested-service", in.Service)
		return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
	}

	if !isPassing {
		s.logger.V(logutil.DEFAULT).Info(fmt.Sprintf("gRPC %s check not serving", checkName), "service", in.Service, "cacheSynced", synced)
		return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_NOT_SERVING}, nil
	}

	s.logger.V(logutil.TRACE).Info(fmt.Sprintf("gRPC %s check serving", checkName), "service", in.Service)
	return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVING}, nil
}

func (s *healthServer) List(ctx context.Context, _ *healthPb.HealthListRequest) (*healthPb.HealthListResponse, error) {
	statuses := make(map[string]*healthPb.HealthCheckResponse)
	for _, service := range []string{LivenessCheckService, ReadinessCheckService, ControlAPICheckService} {
		resp, err := s.Check(ctx, &healthPb.HealthCheckRequest{Service: service})
		if err != nil {
			return nil, err
		}
		statuses[service] = resp
	}
	return &healthPb.HealthListResponse{Statuses: statuses}, nil
}

func (s *healthServer) Watch(in *healthPb.HealthCheckRequest, srv healthPb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}
