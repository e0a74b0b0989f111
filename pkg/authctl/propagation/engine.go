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

// Package propagation applies a policy to the store and pushes it to live instances.
package propagation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/directory"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/metrics"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/notifier"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/store"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

const (
	tracerName = "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/propagation"

	// DefaultFanoutLimit bounds in-flight services and outstanding notifications.
	DefaultFanoutLimit = 16
)

// Engine runs the store write, instance resolution and notification steps for one or
// more services. Services are independent: a failure for one never affects another.
type Engine struct {
	store     store.Store
	directory directory.Directory
	notifier  notifier.Notifier
	fanout    int
	// inflight is shared by every operation so the limit holds across concurrent requests.
	inflight *semaphore.Weighted
	tracer   trace.Tracer
}

// NewEngine returns an engine. A non-positive fanout uses DefaultFanoutLimit.
func NewEngine(s store.Store, d directory.Directory, n notifier.Notifier, fanout int) *Engine {
	if fanout <= 0 {
		fanout = DefaultFanoutLimit
	}
	return &Engine{
		store:     s,
		directory: d,
		notifier:  n,
		fanout:    fanout,
		inflight:  semaphore.NewWeighted(int64(fanout)),
		tracer:    otel.Tracer(tracerName),
	}
}

// Apply writes p for service and notifies its live instances.
func (e *Engine) Apply(ctx context.Context, service policy.ServiceName, p policy.Policy) Outcome {
	ctx = e.begin(ctx)
	log.FromContext(ctx).V(logutil.VERBOSE).Info("Applying policy", "service", service, "policy", p)
	return e.apply(ctx, service, p)
}

// ApplyAll applies p to every service concurrently. Outcomes are returned in the order
// of services.
func (e *Engine) ApplyAll(ctx context.Context, services []policy.ServiceName, p policy.Policy) []Outcome {
	ctx = e.begin(ctx)
	log.FromContext(ctx).V(logutil.VERBOSE).Info("Applying policy to all services", "count", len(services), "policy", p)

	outcomes := make([]Outcome, len(services))
	g := new(errgroup.Group)
	g.SetLimit(e.fanout)
	for i, service := range services {
		g.Go(func() error {
			outcomes[i] = e.apply(ctx, service, p)
			return nil
		})
	}
	_ = g.Wait() // apply never returns an error, failures are carried in the outcome
	return outcomes
}

// begin detaches the operation from the caller's cancellation and tags it with an ID.
func (e *Engine) begin(ctx context.Context) context.Context {
	opID := OperationIDFromContext(ctx)
	if opID == "" {
		opID = uuid.NewString()
		ctx = WithOperationID(ctx, opID)
	}
	ctx = context.WithoutCancel(ctx)
	logger := log.FromContext(ctx).WithValues("operationId", opID)
	return log.IntoContext(ctx, logger)
}

func (e *Engine) apply(ctx context.Context, service policy.ServiceName, p policy.Policy) Outcome {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "authctl.apply", trace.WithAttributes(
		attribute.String("authctl.service", string(service)),
		attribute.Bool("authctl.policy.sign", p.Sign),
		attribute.Bool("authctl.policy.verify", p.Verify),
	))
	defer span.End()
	logger := log.FromContext(ctx).WithValues("service", service)

	out := Outcome{Service: service, Policy: p}
	defer func() {
		status := out.Status()
		span.SetAttributes(attribute.String("authctl.status", status.String()))
		if status != FullyApplied {
			span.SetStatus(codes.Error, status.String())
		}
		metrics.RecordPropagation(string(service), status.String(), time.Since(start))
	}()

	if err := e.store.Set(ctx, service, p); err != nil {
		logger.Error(err, "Failed to write policy, skipping notification")
		metrics.RecordStoreError(string(service), errutil.CanonicalCode(err))
		out.StoreErr = err
		return out
	}

	endpoints, err := e.directory.Resolve(ctx, service)
	if err != nil {
		logger.Error(err, "Failed to resolve instances after policy write")
		out.DirectoryErr = err
		return out
	}
	metrics.RecordLiveInstances(string(service), len(endpoints))
	logger.V(logutil.DEBUG).Info("Resolved instances", "count", len(endpoints))

	out.Instances = e.notifyAll(ctx, service, endpoints, p)
	logger.V(logutil.DEFAULT).Info("Policy propagated", "status", out.Status(),
		"acknowledged", out.Acknowledged(), "instances", len(out.Instances))
	return out
}

// notifyAll notifies every endpoint. Failures never cancel siblings.
func (e *Engine) notifyAll(ctx context.Context, service policy.ServiceName, endpoints []directory.Endpoint, p policy.Policy) []InstanceResult {
	results := make([]InstanceResult, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		results[i].Endpoint = ep
		// ctx is never cancelled, so Acquire only fails if the limit is misconfigured.
		if err := e.inflight.Acquire(ctx, 1); err != nil {
			results[i].Err = errutil.Errorf(errutil.Unknown, "failed to schedule notification for %s - %v", ep, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer e.inflight.Release(1)
			results[i].Err = e.notify(ctx, service, ep, p)
		}()
	}
	wg.Wait()
	return results
}

func (e *Engine) notify(ctx context.Context, service policy.ServiceName, ep directory.Endpoint, p policy.Policy) error {
	ctx, span := e.tracer.Start(ctx, "authctl.notify", trace.WithAttributes(
		attribute.String("authctl.service", string(service)),
		attribute.String("authctl.instance.pod", ep.Pod.String()),
		attribute.String("authctl.instance.address", ep.Address),
	))
	defer span.End()

	err := e.notifier.Notify(ctx, ep, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errutil.CanonicalCode(err))
		log.FromContext(ctx).Error(err, "Instance did not acknowledge policy", "service", service, "instance", ep)
		metrics.RecordNotification(string(service), errutil.CanonicalCode(err))
		return err
	}
	log.FromContext(ctx).V(logutil.TRACE).Info("Instance acknowledged policy", "service", service, "instance", ep)
	metrics.RecordNotification(string(service), "acknowledged")
	return nil
}
