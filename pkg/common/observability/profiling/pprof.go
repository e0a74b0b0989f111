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

package profiling

import (
	"net/http"
	"net/http/pprof"
	"runtime"

	ctrl "sigs.k8s.io/controller-runtime"
)

const pathPrefix = "/debug/pprof/"

// profiles are the pre-defined runtime profiles.
var profiles = []string{
	"heap",
	"goroutine",
	"allocs",
	"threadcreate",
	"block",
	"mutex",
}

// SetupPprofHandlers serves the runtime profiles, a CPU profile and an execution
// trace from the manager's metrics server, so they share its authentication filter.
func SetupPprofHandlers(mgr ctrl.Manager) error {
	handlers := map[string]http.Handler{
		pathPrefix + "profile": http.HandlerFunc(pprof.Profile),
		pathPrefix + "trace":   http.HandlerFunc(pprof.Trace),
	}
	for _, p := range profiles {
		handlers[pathPrefix+p] = pprof.Handler(p)
	}
	for path, h := range handlers {
		if err := mgr.AddMetricsServerExtraHandler(path, h); err != nil {
			return err
		}
	}

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)

	return nil
}
