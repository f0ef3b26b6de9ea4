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

// Package firewire provides the IEEE 1394 bus primitives used by the PHANTOM
// driver: a narrow transport interface, configuration ROM parsing and
// isochronous channel allocation at the bus IRM.
//
// Platform backends (see package fwcdev) implement Bus. Everything else in
// this package only talks to the Port interface, which keeps it testable
// without hardware.
package firewire

import (
	"fmt"
	"io"
)

// NodeID is a 16 bit IEEE 1394 node address: 10 bits bus, 6 bits physical id.
type NodeID uint16

const (
	// Bus id 0x3ff addresses the bus the port is attached to.
	localBus NodeID = 0xffc0
	phyMask  NodeID = 0x003f

	// MaxNodes is the number of physical ids on one bus.
	MaxNodes = 63
)

// LocalNode returns the node id of physical node n on the local bus.
func LocalNode(n int) NodeID {
	return localBus | NodeID(n)&phyMask
}

// Phy returns the physical id of n.
func (n NodeID) Phy() int {
	return int(n & phyMask)
}

func (n NodeID) String() string {
	return fmt.Sprintf("%04x", uint16(n))
}

// CSR address space.
const (
	CSRRegisterBase = 0xfffff0000000
	ConfigROMBase   = CSRRegisterBase + 0x400

	csrChannelsAvailableHi = 0x224
	csrChannelsAvailableLo = 0x228
)

// RecvHandler is called by IsoStream.Iterate for every received packet.
// dropped is the number of packets the transport lost since the previous
// call. Returning an error aborts the current iteration.
type RecvHandler func(data []byte, cycle uint32, dropped uint32) error

// XmitHandler is called by IsoStream.Iterate when the transport needs the
// next packet. It fills buf and returns the payload length.
type XmitHandler func(buf []byte, cycle uint32) (int, error)

// IsoStream is one isochronous context on one channel.
// Handlers run synchronously inside Iterate and must not issue bus requests.
type IsoStream interface {
	io.Closer
	Start() error
	Stop() error
	// Iterate waits for and dispatches one batch of iso events.
	Iterate() error
}

// Port is an open handle on one FireWire card (bus).
// Multi-byte register values on the wire are big-endian unless the device
// defines otherwise.
type Port interface {
	io.Closer
	// NodeCount returns the number of nodes currently on the bus.
	NodeCount() (int, error)
	// LocalNode returns the node id of the card itself.
	LocalNode() NodeID
	// IRMNode returns the node id of the isochronous resource manager.
	IRMNode() (NodeID, error)
	// Generation returns the bus generation; it changes on every bus reset.
	Generation() uint32

	Read(node NodeID, addr uint64, p []byte) error
	Write(node NodeID, addr uint64, p []byte) error
	// CompareSwap performs a 32 bit lock compare-swap: if the quadlet at addr
	// equals arg it is replaced with data. The previous value is returned.
	CompareSwap(node NodeID, addr uint64, arg, data uint32) (uint32, error)

	OpenIsoReceive(channel, packetSize int, h RecvHandler) (IsoStream, error)
	OpenIsoTransmit(channel, packetSize int, h XmitHandler) (IsoStream, error)
}

// Bus enumerates FireWire cards.
type Bus interface {
	// Ports returns the number of cards. ErrNoBus is returned when the
	// platform has no FireWire subsystem at all.
	Ports() (int, error)
	OpenPort(port int) (Port, error)
}
