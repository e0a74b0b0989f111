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

package runnable

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/manager"
)

const shutdownTimeout = 10 * time.Second

// HTTPServer converts the given HTTP server into a runnable. In-flight requests are
// drained on shutdown. The server serves TLS when srv.TLSConfig is set.
func HTTPServer(name string, srv *http.Server, port int) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		return serve(ctx, "HTTP", name, port, serverFuncs{
			serve: func(lis net.Listener) error {
				if srv.TLSConfig != nil {
					return srv.Serve(tls.NewListener(lis, srv.TLSConfig))
				}
				return srv.Serve(lis)
			},
			stop:    srv.Shutdown,
			stopped: func(err error) bool { return errors.Is(err, http.ErrServerClosed) },
		})
	})
}
