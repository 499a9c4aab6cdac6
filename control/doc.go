// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is termstream's local administration socket.
//
// Requests and responses are single CBOR values over a unix socket,
// one request per connection. A request is a map carrying an "action"
// field plus action-specific fields; the response is a [Response]
// envelope. [Sessions] serves the session actions (register, create,
// destroy, status, list, send_keys) and [Client] calls them from the
// command line.
package control
