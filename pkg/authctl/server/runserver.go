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

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/perpetua1g0d/bmstu-diploma/internal/runnable"
	tlsutil "github.com/perpetua1g0d/bmstu-diploma/internal/tls"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/controller"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/datastore"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/handlers"
)

const (
	// CacheSeedInterval is the wait between attempts to seed the cache at startup.
	CacheSeedInterval = 5 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// ControlServerRunner wires the Control API, the cache seeding and the ConfigMap
// reconciler into a manager.
type ControlServerRunner struct {
	HTTPPort      int
	SecureServing bool
	CertPath      string
	Registry      *config.Registry
	Datastore     datastore.Datastore
	Server        *handlers.Server
	// SeedInterval overrides CacheSeedInterval when set.
	SeedInterval time.Duration
}

// SetupWithManager registers the ConfigMap reconciler that keeps the cache fresh.
func (r *ControlServerRunner) SetupWithManager(mgr ctrl.Manager) error {
	if err := (&controller.ConfigMapReconciler{
		Reader:    mgr.GetClient(),
		Registry:  r.Registry,
		Datastore: r.Datastore,
	}).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("failed setting up ConfigMapReconciler: %v", err)
	}
	return nil
}

// AsRunnable returns a Runnable that serves the Control API.
// The runnable implements LeaderElectionRunnable with leader election disabled.
func (r *ControlServerRunner) AsRunnable(logger logr.Logger) manager.Runnable {
	return runnable.NoLeaderElection(manager.RunnableFunc(func(ctx context.Context) error {
		srv := &http.Server{
			Handler:           r.Server.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		if r.SecureServing {
			tlsConfig, err := tlsutil.ServerConfig(ctx, r.CertPath, logger)
			if err != nil {
				return fmt.Errorf("failed to configure secure serving - %w", err)
			}
			srv.TLSConfig = tlsConfig
		}

		// Forward to the HTTP runnable.
		return runnable.HTTPServer("control-api", srv, r.HTTPPort).Start(ctx)
	}))
}

// CacheSeeder returns a Runnable that fills the cache from the store once at startup,
// retrying until every service was read or the manager stops.
func (r *ControlServerRunner) CacheSeeder(logger logr.Logger) manager.Runnable {
	return runnable.NoLeaderElection(manager.RunnableFunc(func(ctx context.Context) error {
		ctx = log.IntoContext(ctx, logger)
		interval := r.SeedInterval
		if interval == 0 {
			interval = CacheSeedInterval
		}
		err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
			if err := r.Server.Rebuild(ctx); err != nil {
				logger.Error(err, "Failed to seed policy cache, retrying", "interval", interval)
				return false, nil
			}
			return true, nil
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("failed to seed policy cache - %w", err)
		}
		return nil
	}))
}
