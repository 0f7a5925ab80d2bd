// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server runs the gateway's HTTP listeners: the TLS WebSocket
// endpoint, the plain HTTP redirect and the observability ports. Each
// server drains gracefully when its context is cancelled.
package server
