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
	"net/http"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics/filters"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/perpetua1g0d/bmstu-diploma/internal/runnable"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/datastore"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/directory"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/handlers"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/metrics"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/notifier"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/propagation"
	runserver "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/server"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/store"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/common"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/profiling"
	"github.com/perpetua1g0d/bmstu-diploma/version"
)

var setupLog = ctrl.Log.WithName("setup")

func NewRunner() *Runner {
	return &Runner{
		executableName: version.ComponentName,
	}
}

// Runner is used to run the auth control plane.
type Runner struct {
	executableName string
}

// WithExecutableName sets the name of the executable containing the runner.
// The name is used in the version log upon startup and is otherwise opaque.
func (r *Runner) WithExecutableName(exeName string) *Runner {
	r.executableName = exeName
	return r
}

func (r *Runner) Run(ctx context.Context) error {
	logutil.InitSetupLogging()

	opts := runserver.NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()
	if err := opts.Complete(setupLog); err != nil {
		return err
	}
	logutil.InitLogging(&opts.ZapOptions)
	setupLog.Info(r.executableName+" build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	if err := opts.Validate(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}

	// Print all flag values
	flags := make(map[string]any)
	pflag.VisitAll(func(f *pflag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	registry, err := opts.Registry()
	if err != nil {
		setupLog.Error(err, "Failed to load managed services")
		return err
	}
	setupLog.Info("Managed services loaded", "services", registry.Names())

	if opts.Tracing {
		if err := common.InitTracing(ctx, setupLog, r.executableName); err != nil {
			setupLog.Error(err, "Failed to initialize tracing")
			return err
		}
	}

	// Init runtime.
	cfg, err := ctrl.GetConfig()
	if err != nil {
		setupLog.Error(err, "Failed to get rest config")
		return err
	}

	metrics.Register()
	// Register metrics handler.
	// More info:
	// - https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/metrics/server
	// - https://book.kubebuilder.io/reference/metrics.html
	metricsServerOptions := metricsserver.Options{
		BindAddress: fmt.Sprintf(":%d", opts.MetricsPort),
		FilterProvider: func() func(c *rest.Config, httpClient *http.Client) (metricsserver.Filter, error) {
			if opts.MetricsEndpointAuth {
				return filters.WithAuthenticationAndAuthorization
			}

			return nil
		}(),
	}

	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Cache:   cacheOptions(registry),
		Metrics: metricsServerOptions,
		Client: client.Options{
			// Store and directory must observe the live cluster state.
			Cache: &client.CacheOptions{DisableFor: []client.Object{&corev1.ConfigMap{}, &corev1.Pod{}}},
		},
	})
	if err != nil {
		setupLog.Error(err, "Failed to create manager", "config", cfg)
		return err
	}

	if opts.EnablePprof {
		setupLog.Info("Setting pprof handlers")
		if err = profiling.SetupPprofHandlers(mgr); err != nil {
			setupLog.Error(err, "Failed to setup pprof handlers")
			return err
		}
	}

	ds := datastore.NewDatastore()
	policyStore := store.NewConfigMapStore(mgr.GetClient(), registry, opts.StoreTimeout)
	instances := directory.NewPodDirectory(mgr.GetAPIReader(), registry, opts.DirectoryTimeout)
	engine := propagation.NewEngine(policyStore, instances, notifier.NewHTTPNotifier(), opts.FanoutLimit)

	serverRunner := &runserver.ControlServerRunner{
		HTTPPort:      opts.HTTPPort,
		SecureServing: opts.SecureServing,
		CertPath:      opts.CertPath,
		Registry:      registry,
		Datastore:     ds,
		Server:        handlers.NewServer(registry, policyStore, ds, engine, ctrl.Log.WithName("control-api")),
	}
	if err := serverRunner.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "Failed to setup auth control controllers")
		return err
	}

	// Register health server.
	if err := registerHealthServer(mgr, ctrl.Log.WithName("health"), ds, opts.GRPCHealthPort); err != nil {
		return err
	}

	if err := mgr.Add(serverRunner.CacheSeeder(ctrl.Log.WithName("cache-seeder"))); err != nil {
		setupLog.Error(err, "Failed to register cache seeder")
		return err
	}

	// Register Control API server.
	if err := mgr.Add(serverRunner.AsRunnable(ctrl.Log.WithName("control-api"))); err != nil {
		setupLog.Error(err, "Failed to register Control API server")
		return err
	}

	// Start the manager. This blocks until a signal is received.
	setupLog.Info("Manager starting")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "Error starting manager")
		return err
	}
	setupLog.Info("Manager terminated")
	return nil
}

// cacheOptions restricts the informer cache to managed policy ConfigMaps in the
// namespaces of the managed services.
func cacheOptions(registry *config.Registry) cache.Options {
	namespaces := map[string]cache.Config{}
	for _, name := range registry.Names() {
		svc, _ := registry.Lookup(name)
		namespaces[svc.Namespace] = cache.Config{}
	}
	return cache.Options{
		DefaultNamespaces: namespaces,
		ByObject: map[client.Object]cache.ByObject{
			&corev1.ConfigMap{}: {
				Label: labels.SelectorFromSet(labels.Set{
					store.ManagedLabel: "true",
				}),
			},
		},
	}
}

// registerHealthServer adds the Health gRPC server as a Runnable to the given manager.
func registerHealthServer(mgr manager.Manager, logger logr.Logger, ds datastore.Datastore, port int) error {
	srv := grpc.NewServer()
	healthPb.RegisterHealthServer(srv, &healthServer{
		logger:    logger,
		datastore: ds,
	})
	if err := mgr.Add(
		runnable.NoLeaderElection(runnable.GRPCServer("health", srv, port))); err != nil {
		setupLog.Error(err, "Failed to register health server")
		return err
	}
	return nil
}
