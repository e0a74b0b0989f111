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
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// GRPCServer converts the given gRPC server into a runnable.
// The server name is just being used for logging.
func GRPCServer(name string, srv *grpc.Server, port int) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		return serve(ctx, "gRPC", name, port, serverFuncs{
			serve: srv.Serve,
			stop: func(context.Context) error {
				srv.GracefulStop()
				return nil
			},
			stopped: func(err error) bool { return errors.Is(err, grpc.ErrServerStopped) },
		})
	})
}

type serverFuncs struct {
	serve   func(net.Listener) error
	stop    func(context.Context) error
	stopped func(error) bool
}

// serve listens on port and serves until ctx is done, then stops the server.
func serve(ctx context.Context, kind, name string, port int, srv serverFuncs) error {
	// Use "name" key as that is what manager.Server does as well.
	log := ctrl.Log.WithValues("name", name)
	log.Info(kind + " server starting")

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("%s server failed to listen - %w", kind, err)
	}
	log.Info(kind+" server listening", "port", port)

	// Make sure the goroutine does not leak.
	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			log.Info(kind + " server shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.stop(shutdownCtx); err != nil {
				log.Error(err, kind+" server did not shut down cleanly")
			}
		case <-doneCh:
		}
	}()

	// Keep serving until terminated.
	if err := srv.serve(lis); err != nil && !srv.stopped(err) {
		return fmt.Errorf("%s server failed - %w", kind, err)
	}
	log.Info(kind + " server terminated")
	return nil
}
