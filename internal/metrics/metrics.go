// Copyright 2024 The dlogd Authors. All Rights Reserved.
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

// Package metrics exposes dlogd's operational counters over a
// loopback-only Prometheus endpoint: descriptor population, lines
// routed, write-queue drops. Never bound to the control-plane listen
// port.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dlogd/dlogd/internal/logger"
)

// Set bundles the registry and every instrument the engine touches. All
// updates happen on the event-loop goroutine; the prometheus types are
// safe for the scrape goroutine to read concurrently.
type Set struct {
	registry *prometheus.Registry

	ActiveDescriptors prometheus.Gauge
	LinesRouted       prometheus.Counter
	WriteDrops        prometheus.Counter
	Rotations         prometheus.Counter
	Restarts          prometheus.Counter
}

// New builds a standalone metric set on its own registry, so tests can
// hold several without duplicate-registration panics.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		ActiveDescriptors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dlogd_active_descriptors",
			Help: "Descriptors currently in the ACTIVE state.",
		}),
		LinesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlogd_lines_routed_total",
			Help: "Complete records fed to the rule tree.",
		}),
		WriteDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlogd_writequeue_dropped_total",
			Help: "Lines dropped because a sink's write queue was at its high watermark.",
		}),
		Rotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlogd_rotations_total",
			Help: "Rotated-log rename-and-reopen cycles performed.",
		}),
		Restarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlogd_restarts_total",
			Help: "Live restarts initiated by this process.",
		}),
	}
}

// Serve exposes /metrics on addr until the listener is closed. addr
// must resolve to a loopback address; anything else is refused so the
// debug surface cannot leak onto the ingest network.
func (s *Set) Serve(addr string) (closer interface{ Close() error }, err error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return nil, &net.AddrError{Err: "metrics listener must be loopback", Addr: addr}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	go func() {
		if serr := http.Serve(ln, mux); serr != nil {
			logger.Debugf("metrics: server stopped: %v", serr)
		}
	}()
	logger.Infof("metrics: serving on http://%s/metrics", ln.Addr())
	return ln, nil
}
