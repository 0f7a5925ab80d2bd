// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/goodexpert/onzsa-gateway/pkg/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveMessage(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.ObserveMessage("dps-gateway", Upstream, 3)
	m.ObserveMessage("dps-gateway", Upstream, 4)
	m.ObserveMessage("dps-gateway", Downstream, 10)

	if got := testutil.ToFloat64(m.Messages.WithLabelValues("dps-gateway", Upstream)); got != 2 {
		t.Errorf("Expected 2 upstream messages, got %v", got)
	}
	if got := testutil.ToFloat64(m.MessageBytes.WithLabelValues("dps-gateway", Upstream)); got != 7 {
		t.Errorf("Expected 7 upstream bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.MessageBytes.WithLabelValues("dps-gateway", Downstream)); got != 10 {
		t.Errorf("Expected 10 downstream bytes, got %v", got)
	}
}

func TestObserveSession(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.ObserveSession("cas-pd-ii-scale", "backend_open", time.Second)
	m.ObserveSession("cas-pd-ii-scale", "backend_open", 2*time.Second)

	if got := testutil.ToFloat64(m.Disconnects.WithLabelValues("cas-pd-ii-scale", "backend_open")); got != 2 {
		t.Errorf("Expected 2 disconnects, got %v", got)
	}
	if got := testutil.CollectAndCount(m.ConnectionDuration); got != 1 {
		t.Errorf("Expected one duration series, got %d", got)
	}
}

func TestBreakerStateChanged(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.BreakerStateChanged("dps-gateway", breaker.StateClosed, breaker.StateOpen)
	m.BreakerStateChanged("dps-gateway", breaker.StateOpen, breaker.StateHalfOpen)

	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("dps-gateway")); got != float64(breaker.StateHalfOpen) {
		t.Errorf("Expected half-open state, got %v", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("dps-gateway")); got != 1 {
		t.Errorf("Expected one trip, got %v", got)
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Registering twice on distinct registries must not panic.
	New("", prometheus.NewRegistry())
	m := New("", prometheus.NewRegistry())
	m.ObserveRuntime()

	if got := testutil.ToFloat64(m.GoroutinesActive.WithLabelValues("all")); got <= 0 {
		t.Errorf("Expected goroutine count, got %v", got)
	}
}
