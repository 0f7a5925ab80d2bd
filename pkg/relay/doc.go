// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay defines the contract between the gateway's session loop and
// the backend-specific relay adapters.
//
// # Adapters
//
// An Adapter owns exactly one backend link (a TCP socket or a serial port)
// for exactly one client session:
//
//	Open(ctx)   establish the link
//	Events()    backend → client event stream
//	Send(msg)   client → backend
//	Close()     idempotent teardown
//
// Two variants exist: stream (package relay/stream) relays opaque bytes to
// a TCP endpoint, device (package relay/device) translates JSON commands and
// envelopes for a serial instrument. The router selects the variant by
// subprotocol; callers never inspect the concrete type.
//
// # Lifecycle
//
// Every connection moves through
//
//	Negotiating → BackendOpening → Relaying → Closing → Closed
//
// BackendOpening may skip Relaying and go straight to Closing when the
// backend cannot be opened. Lifecycle refuses every transition out of
// Closed, which makes teardown idempotent.
package relay
