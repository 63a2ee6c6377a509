// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "errors"

var (
	ErrNotConnected     = errors.New("not connected to control service")
	ErrUnknownKind      = errors.New("unknown envelope kind")
	ErrMissingRequestID = errors.New("node-state ack missing requestId")
)
