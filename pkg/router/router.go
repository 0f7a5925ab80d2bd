// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"sort"

	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/relay"
	"github.com/goodexpert/onzsa-gateway/pkg/relay/device"
	"github.com/goodexpert/onzsa-gateway/pkg/relay/stream"
)

// Factory builds a fresh adapter for one accepted session.
type Factory func(hctx *handler.Context) relay.Adapter

// Router maps subprotocol names to adapter factories.
// Register is meant for startup; lookups are safe for concurrent use
// once registration is done.
type Router struct {
	routes map[string]Factory
}

// New returns an empty router.
func New() *Router {
	return &Router{routes: make(map[string]Factory)}
}

// Register binds a subprotocol name to a factory.
func (r *Router) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("subprotocol name is required")
	}
	if f == nil {
		return fmt.Errorf("nil factory for subprotocol %q", name)
	}
	if _, ok := r.routes[name]; ok {
		return fmt.Errorf("subprotocol %q already registered", name)
	}
	r.routes[name] = f
	return nil
}

// Resolve returns the factory registered for name. Matching is exact.
func (r *Router) Resolve(name string) (Factory, bool) {
	f, ok := r.routes[name]
	return f, ok
}

// Protocols returns the registered subprotocol names, sorted.
func (r *Router) Protocols() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the router serving dps-gateway and cas-pd-ii-scale.
func Default(dps stream.Config, dpsDeps relay.Deps, scale device.Config, scaleDeps relay.Deps, opts ...device.Option) (*Router, error) {
	if err := dps.Validate(); err != nil {
		return nil, err
	}
	if err := scale.Validate(); err != nil {
		return nil, err
	}

	dpsDeps = dpsDeps.WithDefaults(stream.Protocol)
	scaleDeps = scaleDeps.WithDefaults(device.Protocol)

	r := New()
	if err := r.Register(stream.Protocol, func(hctx *handler.Context) relay.Adapter {
		return stream.New(dps, dpsDeps, hctx)
	}); err != nil {
		return nil, err
	}
	if err := r.Register(device.Protocol, func(hctx *handler.Context) relay.Adapter {
		return device.New(scale, scaleDeps, hctx, opts...)
	}); err != nil {
		return nil, err
	}

	return r, nil
}
