// Copyright (C) 2026 The go-phantom Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package firewire

import (
	"errors"
	"fmt"
)

// errors
var (
	ErrTransport         = errors.New("firewire transport error")
	ErrBusy              = errors.New("firewire transport busy")
	ErrNoBus             = errors.New("no firewire bus available")
	ErrROMNotAvailable   = errors.New("config rom not available")
	ErrResourceExhausted = errors.New("no free isochronous channel")
	ErrAlreadyInUse      = errors.New("isochronous channel already in use")
	ErrNotClaimed        = errors.New("isochronous channel not claimed")
	ErrInvalidChannel    = errors.New("invalid isochronous channel")
)

// TransportError describes a failed asynchronous bus request.
// Transient errors (busy, bus reset in flight) may be retried.
type TransportError struct {
	Op        string
	Node      NodeID
	Addr      uint64
	Transient bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("firewire %s node %v addr 0x%012x: %s: %v", e.Op, e.Node, e.Addr, kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport for every TransportError and ErrBusy for transient ones.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return true
	case ErrBusy:
		return e.Transient
	}
	return false
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBusy)
}
