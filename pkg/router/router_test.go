// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"reflect"
	"testing"

	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/relay"
	"github.com/goodexpert/onzsa-gateway/pkg/relay/device"
	"github.com/goodexpert/onzsa-gateway/pkg/relay/stream"
)

var (
	dpsConfig   = stream.Config{Host: "127.0.0.1", Port: 65}
	scaleConfig = device.Config{DevicePath: "/dev/ttyUSB0", BaudRate: 9600, DataBits: 8, StopBits: "1", Parity: "none"}
)

func TestDefault(t *testing.T) {
	r, err := Default(dpsConfig, relay.Deps{}, scaleConfig, relay.Deps{})
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}

	want := []string{"cas-pd-ii-scale", "dps-gateway"}
	if got := r.Protocols(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected protocols %v, got %v", want, got)
	}

	tests := []struct {
		name     string
		protocol string
		found    bool
		adapter  any
	}{
		{"stream", "dps-gateway", true, &stream.Adapter{}},
		{"device", "cas-pd-ii-scale", true, &device.Adapter{}},
		{"case sensitive", "DPS-GATEWAY", false, nil},
		{"unknown", "foo", false, nil},
		{"empty", "", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := r.Resolve(tt.protocol)
			if ok != tt.found {
				t.Fatalf("Resolve(%q) found = %v, want %v", tt.protocol, ok, tt.found)
			}
			if !ok {
				return
			}
			a := f(&handler.Context{SessionID: "s", Protocol: tt.protocol})
			if reflect.TypeOf(a) != reflect.TypeOf(tt.adapter) {
				t.Errorf("Expected %T, got %T", tt.adapter, a)
			}
		})
	}
}

func TestDefault_InvalidConfig(t *testing.T) {
	if _, err := Default(stream.Config{Host: "h", Port: 0}, relay.Deps{}, scaleConfig, relay.Deps{}); err == nil {
		t.Error("Expected error for invalid dps port")
	}
	if _, err := Default(dpsConfig, relay.Deps{}, device.Config{}, relay.Deps{}); err == nil {
		t.Error("Expected error for missing device path")
	}
}

func TestRegister(t *testing.T) {
	r := New()
	f := func(hctx *handler.Context) relay.Adapter { return nil }

	if err := r.Register("echo", f); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("echo", f); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if err := r.Register("", f); err == nil {
		t.Error("Expected empty name to fail")
	}
	if err := r.Register("nil", nil); err == nil {
		t.Error("Expected nil factory to fail")
	}
	if _, ok := r.Resolve("echo"); !ok {
		t.Error("Expected echo to resolve")
	}
}
