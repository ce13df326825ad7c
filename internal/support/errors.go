// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package support

import (
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsConnRefused returns true if err indicates the remote end actively
// refused the connection. The agent dialer does not consult it: its retry
// loop retries every dial error alike.
func IsConnRefused(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) {
		if se, ok := op.Err.(*os.SyscallError); ok {
			return se.Err == syscall.ECONNREFUSED
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// IsDialTimeout returns true if err indicates a dial/read/write timeout.
func IsDialTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
