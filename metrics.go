// Copyright 2025 The Homie Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package homieproxy

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var proxyMetrics = struct {
	init             sync.Once
	requestsInFlight *prometheus.GaugeVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	streamedBytes    *prometheus.CounterVec
	wsSessions       *prometheus.GaugeVec
}{
	init: sync.Once{},
}

func initProxyMetrics() {
	ns := "homieproxy"
	sub := "http"

	instanceLabels := []string{"instance"}
	proxyMetrics.requestsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "requests_in_flight",
		Help:      "Number of requests currently being relayed.",
	}, instanceLabels)
	proxyMetrics.streamedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "streamed_bytes_total",
		Help:      "Response body bytes relayed to clients.",
	}, instanceLabels)
	proxyMetrics.wsSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "Number of active WebSocket relay sessions.",
	}, instanceLabels)

	requestLabels := []string{"instance", "code", "method"}
	proxyMetrics.requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "requests_total",
		Help:      "Counter of relayed HTTP(S) requests.",
	}, requestLabels)

	latencyBuckets := []float64{.01, .05, .1, .2, .4, 1, 3, 8, 20, 60, 120}
	proxyMetrics.requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "request_duration_seconds",
		Help:      "Histogram of request relay durations.",
		Buckets:   latencyBuckets,
	}, requestLabels)
}

func recordRequestMetrics(instance, method string, code int, start time.Time) {
	labels := prometheus.Labels{
		"instance": instance,
		"code":     strconv.Itoa(code),
		"method":   method,
	}
	proxyMetrics.requestsTotal.With(labels).Inc()
	proxyMetrics.requestDuration.With(labels).Observe(time.Since(start).Seconds())
}
