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

// Package notifier pushes policy changes to running service instances.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/directory"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/policy"
	errutil "github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/util/error"
)

const (
	// ReloadPath is the endpoint every managed instance serves.
	ReloadPath = "/reload-config"
	// Timeout bounds a single notification, including connection setup.
	Timeout = 2 * time.Second

	maxIdleConnections = 1000
	maxIdleTime        = 30 * time.Second
)

// Notifier delivers a policy to one instance and reports whether it was acknowledged.
type Notifier interface {
	Notify(ctx context.Context, ep directory.Endpoint, p policy.Policy) error
}

// HTTPNotifier posts the policy as JSON to the instance's reload endpoint.
type HTTPNotifier struct {
	client  *http.Client
	scheme  string
	timeout time.Duration
}

// NewHTTPNotifier returns a notifier using plain HTTP and the fixed Timeout.
func NewHTTPNotifier() *HTTPNotifier {
	return &HTTPNotifier{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConnections,
				MaxIdleConnsPerHost: 2, // host is defined as scheme://host:port
				IdleConnTimeout:     maxIdleTime,
			},
		},
		scheme:  "http",
		timeout: Timeout,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, ep directory.Endpoint, p policy.Policy) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	target := &url.URL{Scheme: n.scheme, Host: ep.Address, Path: ReloadPath}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := n.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return errutil.Errorf(errutil.InstanceTimeout, "%s did not answer within %s", ep, n.timeout)
		}
		return errutil.Errorf(errutil.InstanceUnreachable, "failed to reach %s - %v", ep, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errutil.Errorf(errutil.InstanceRejected, "%s answered with status %d", ep, resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
