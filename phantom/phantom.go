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

// Package phantom drives SensAble PHANTOM haptic devices attached to a
// FireWire bus: discovery, the register handshake that enables isochronous
// streaming, and the telemetry and force frame codecs.
// Based on:
// phantom-drivers lib/src/Phantom.cpp and lib/src/PhantomIsoChannel.cpp
// phantom-drivers rev-eng/omni.c bus traces
package phantom

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/phantom-drivers/go-phantom/firewire"
)

const (
	// SensAbleVendorID is the IEEE OUI published in the config ROM.
	SensAbleVendorID = 0x000b99

	// Reading 4 bytes here yields the vendor id, shifted by one zero byte.
	addrVendorCheck  = 0x1006000c
	vendorCheckValue = 0x00990b00

	// For a PHANTOM Omni this register holds the serial number.
	addrSerial = 0x10060010
)

// Device registers. All of them are one byte wide.
const (
	addrXmitChannel = 0x1000
	addrRecvChannel = 0x1001

	// Status registers; the expected values are the only ones ever observed
	// on a healthy device.
	addrStatusLo = 0x1082
	addrStatusHi = 0x1083
	statusLoWant = 0x00
	statusHiWant = 0xc0

	addrControl      = 0x1087
	controlEnableIso = 1 << 3

	// Written to the channel register to check the device latches writes.
	channelProbe = 0x40
)

// Isochronous stream parameters taken from omni.c.
const (
	recvPacketSize = 64
	xmitPacketSize = 64
)

// errors
var (
	ErrProtocolMismatch = errors.New("unexpected device register value")
	ErrNotFound         = errors.New("no matching PHANTOM device found")
	ErrAlreadyInUse     = errors.New("PHANTOM device already in use")
	ErrAlreadyStarted   = errors.New("already started")
	ErrNotStarted       = errors.New("not started")
	ErrClosed           = errors.New("device closed")
	ErrShortFrame       = errors.New("short frame")
)

// abbreviations
var (
	le = binary.LittleEndian
)

// MismatchError reports a register read back with an unexpected value.
type MismatchError struct {
	Node     firewire.NodeID
	Register uint64
	Want     uint8
	Got      uint8
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("node %v register 0x%04x = 0x%02x, want 0x%02x", e.Node, e.Register, e.Got, e.Want)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrProtocolMismatch
}

// Direction is the data direction of an isochronous session, seen from the host.
type Direction int

const (
	// Receive carries telemetry from the device.
	Receive Direction = iota
	// Transmit carries force commands to the device.
	Transmit
)

func (d Direction) String() string {
	switch d {
	case Receive:
		return "receive"
	case Transmit:
		return "transmit"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

func (d Direction) channelRegister() uint64 {
	if d == Transmit {
		return addrXmitChannel
	}
	return addrRecvChannel
}
