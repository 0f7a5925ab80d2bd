// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the notification interface between the gateway's
// session loop and application concerns such as audit logging, metrics and
// event publishing.
//
// # Data Flow
//
//	Client → Gate (handshake) → Handler.OnConnect
//	Client → Session → Handler.OnUpstream → Relay adapter → Backend
//	Backend → Relay adapter → Session → Handler.OnDownstream → Client
//	Session teardown → Handler.OnDisconnect
//
// # Handler Methods
//
// All methods are notifications. The gateway admits clients by subprotocol
// alone, so a Handler cannot veto a session; returned errors are logged.
//
//   - OnReject: an upgrade was refused (unsupported subprotocol, rate limit)
//   - OnConnect: an upgrade was accepted
//   - OnUpstream: a client message is about to reach the backend adapter
//   - OnDownstream: a backend message was delivered to the client
//   - OnDisconnect: the session and its backend link are closed
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this connection/session
//   - RemoteAddr: Client's network address
//   - Protocol: Negotiated subprotocol
//   - Version: WebSocket protocol version
//   - Origin: Origin header of the upgrade request
//   - ConnectedAt: Upgrade acceptance time
//
// # Composition
//
// Chain combines several handlers; NoopHandler ignores everything:
//
//	h := handler.Chain(simple.New(logger), instrumented, publisher)
package handler
