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

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const component = "authctl"

var (
	ServiceLabels = []string{"service"}

	// PropagationLatencyBuckets cover a store write plus a notification round trip,
	// from 5ms up to a few notification timeouts.
	PropagationLatencyBuckets = []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8,
	}
)

var (
	propagationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "propagation_total",
			Help:      helpMsgWithStability("Counter of policy propagations broken out by service and outcome status.", compbasemetrics.ALPHA),
		},
		append(ServiceLabels, "status"),
	)

	propagationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: component,
			Name:      "propagation_duration_seconds",
			Help:      helpMsgWithStability("Duration of a policy propagation for one service, store write through last notification.", compbasemetrics.ALPHA),
			Buckets:   PropagationLatencyBuckets,
		},
		ServiceLabels,
	)

	storeErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "store_error_total",
			Help:      helpMsgWithStability("Counter of failed policy store writes broken out by service and error code.", compbasemetrics.ALPHA),
		},
		append(ServiceLabels, "error_code"),
	)

	notificationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: component,
			Name:      "notification_total",
			Help:      helpMsgWithStability("Counter of instance notifications broken out by service and result.", compbasemetrics.ALPHA),
		},
		append(ServiceLabels, "result"),
	)

	liveInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: component,
			Name:      "live_instances",
			Help:      helpMsgWithStability("Number of live instances resolved during the last propagation of a service.", compbasemetrics.ALPHA),
		},
		ServiceLabels,
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(propagationCounter)
		metrics.Registry.MustRegister(propagationLatency)
		metrics.Registry.MustRegister(storeErrorCounter)
		metrics.Registry.MustRegister(notificationCounter)
		metrics.Registry.MustRegister(liveInstances)
	})
}

// RecordPropagation records the outcome status and duration of one service propagation.
func RecordPropagation(service, status string, duration time.Duration) {
	propagationCounter.WithLabelValues(service, status).Inc()
	propagationLatency.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordStoreError records a failed store write.
func RecordStoreError(service, code string) {
	storeErrorCounter.WithLabelValues(service, code).Inc()
}

// RecordNotification records one instance notification. result is "acknowledged"
// or the error code of the failure.
func RecordNotification(service, result string) {
	notificationCounter.WithLabelValues(service, result).Inc()
}

// RecordLiveInstances records the number of instances resolved for a service.
func RecordLiveInstances(service string, count int) {
	liveInstances.WithLabelValues(service).Set(float64(count))
}

func helpMsgWithStability(msg string, stability compbasemetrics.StabilityLevel) string {
	return fmt.Sprintf("[%v] %v", stability, msg)
}
