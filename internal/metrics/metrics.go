// wabridge - WhatsApp delivery bridge
// Copyright (C) 2026  wabridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// Package metrics holds the Prometheus collectors wabridge exports.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wabridge"

// Dispatch outcomes.
const (
	OutcomeSent          = "sent"
	OutcomeProviderError = "provider_error"
	OutcomeFailed        = "failed"
)

// Webhook status item results.
const (
	ResultUpdated = "updated"
	ResultUnknown = "unknown"
	ResultSkipped = "skipped"
)

// Metrics is a private registry plus the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	dispatches   *prometheus.CounterVec
	statuses     *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	tracked      prometheus.GaugeFunc
}

// New registers all collectors. trackedMessages is sampled on scrape.
func New(trackedMessages func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Outbound message sends by outcome.",
		}, []string{"outcome"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_statuses_total",
			Help:      "Status items received via webhook by processing result.",
		}, []string{"result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_rejections_total",
			Help:      "Webhook callbacks rejected before processing.",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Completed inbound HTTP requests.",
		}, []string{"method", "code"}),
	}
	if trackedMessages == nil {
		trackedMessages = func() int { return 0 }
	}
	m.tracked = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_messages",
		Help:      "Messages held in the in-memory status store.",
	}, func() float64 { return float64(trackedMessages()) })

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches, m.statuses, m.rejections, m.httpRequests, m.tracked,
	)
	return m
}

// Dispatch counts one send by outcome.
func (m *Metrics) Dispatch(outcome string) {
	m.dispatches.WithLabelValues(outcome).Inc()
}

// WebhookStatus adds n status items with the given result.
func (m *Metrics) WebhookStatus(result string, n int) {
	if n > 0 {
		m.statuses.WithLabelValues(result).Add(float64(n))
	}
}

// WebhookRejected counts a callback refused before processing.
func (m *Metrics) WebhookRejected(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// HTTPRequest counts one completed inbound request. Methods other than
// GET, POST and OPTIONS are recorded as "other".
func (m *Metrics) HTTPRequest(method string, code int) {
	m.httpRequests.WithLabelValues(methodLabel(method), strconv.Itoa(code)).Inc()
}

// methodLabel keeps the method label bounded; clients control the method.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodOptions:
		return method
	default:
		return "other"
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
