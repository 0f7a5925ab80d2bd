// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func failing(ctx context.Context) error { return errors.New("down") }
func passing(ctx context.Context) error { return nil }

func TestChecker_Health(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all pass", map[string]CheckFunc{"a": passing, "b": passing}, StatusHealthy},
		{"some fail", map[string]CheckFunc{"a": passing, "b": failing}, StatusDegraded},
		{"all fail", map[string]CheckFunc{"a": failing, "b": failing}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			for name, fn := range tt.checks {
				c.Register(name, fn)
			}

			status, checks := c.Health(context.Background())
			if status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, status)
			}
			if len(checks) != len(tt.checks) {
				t.Errorf("Expected %d checks, got %d", len(tt.checks), len(checks))
			}
		})
	}
}

func TestChecker_Cache(t *testing.T) {
	var calls atomic.Int32
	c := NewChecker(time.Minute)
	c.Register("counted", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls.Load() != 1 {
		t.Errorf("Expected cached result, check ran %d times", calls.Load())
	}
}

func TestChecker_Mux(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("dps", passing)
	c.Register("scale", failing)
	srv := httptest.NewServer(c.Mux())
	defer srv.Close()

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusServiceUnavailable},
		{"/live", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, resp.StatusCode)
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Errorf("Invalid JSON body: %v", err)
			}
		})
	}
}
