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

package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	logutil "github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

// debounceDelay waits for the Secret volume swap to settle before reloading.
const debounceDelay = 250 * time.Millisecond

// CertReloader serves the latest valid key pair found in a mounted Secret directory.
type CertReloader struct {
	cert atomic.Pointer[tls.Certificate]
}

// NewCertReloader watches dir and swaps in the key pair after every change. A pair
// that fails to load is logged and the previous one kept.
func NewCertReloader(ctx context.Context, dir string, init *tls.Certificate, logger logr.Logger) (*CertReloader, error) {
	r := &CertReloader{}
	r.cert.Store(init)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create cert watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	logger = logger.WithName("cert-reloader").WithValues("path", dir)
	go r.run(ctx, w, dir, logger)
	return r, nil
}

func (r *CertReloader) run(ctx context.Context, w *fsnotify.Watcher, dir string, logger logr.Logger) {
	defer w.Close()
	traceLogger := logger.V(logutil.TRACE)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			traceLogger.Info("Cert changed", "event", ev)
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				cert, err := loadKeyPair(dir)
				if err != nil {
					logger.Error(err, "Failed to reload TLS certificate")
					return
				}
				r.cert.Store(&cert)
				logger.V(logutil.DEFAULT).Info("Reloaded TLS certificate")
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Error(err, "Cert watcher failed")
		case <-ctx.Done():
			return
		}
	}
}

// Get returns the current key pair.
func (r *CertReloader) Get() *tls.Certificate {
	return r.cert.Load()
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.Get(), nil
}
