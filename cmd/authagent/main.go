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

// Command authagent runs the reload agent as a sidecar next to a managed instance.
// It keeps the instance policy current and exposes it on GET /settings.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/perpetua1g0d/bmstu-diploma/internal/runnable"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/agent"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/notifier"
	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

var (
	port      = pflag.Int("port", config.DefaultInstancePort, "The port serving the reload endpoint.")
	configDir = pflag.String("config-dir", agent.DefaultConfigDir, "Directory where the policy ConfigMap is mounted. Empty disables the file watch.")

	setupLog = ctrl.Log.WithName("setup")
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logutil.InitSetupLogging()

	opts := zap.Options{Development: true}
	gofs := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.BindFlags(gofs)
	pflag.CommandLine.AddGoFlagSet(gofs)
	pflag.Parse()
	logutil.InitLogging(&opts)

	ctx := ctrl.SetupSignalHandler()
	settings := agent.NewSettingsFromEnv(ctrl.Log.WithName("agent"))
	setupLog.Info("Agent starting", "policy", settings.Policy(), "port", *port, "configDir", *configDir)

	mux := http.NewServeMux()
	mux.Handle(notifier.ReloadPath, settings.ReloadHandler())
	mux.HandleFunc("GET /settings", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(settings.Policy()); err != nil {
			setupLog.Error(err, "Failed to write settings")
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runnable.HTTPServer("reload", srv, *port).Start(ctx)
	})
	if *configDir != "" {
		g.Go(func() error {
			// Pushes from the control plane keep working without the mounted config.
			if err := settings.Watch(ctx, *configDir); err != nil {
				setupLog.Error(err, "Mounted config watch stopped", "configDir", *configDir)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		setupLog.Error(err, "Agent terminated with error")
		return err
	}
	setupLog.Info("Agent terminated")
	return nil
}
