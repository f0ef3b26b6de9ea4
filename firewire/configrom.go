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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
)

const (
	busInfoLength   = 4
	busInfoMagic    = 0x31333934 // "1394"
	maxRootDirEntry = 16
	quadletLen      = 4

	// Root directory keys.
	keyVendorID         = 0x03
	keyNodeCapabilities = 0x0c
	keyTextualLeaf      = 0x81
	keyNodeUniqueID     = 0x8d
	keyUnitDirectory    = 0xd1

	// Unit directory keys.
	keyUnitSpecID    = 0x12
	keyUnitSWVersion = 0x13
	keyModelID       = 0x17

	// Textual leaf: length quadlet, language specifier id, language id, text.
	textualLeafHeader = 12
)

var be = binary.BigEndian

// ConfigROM holds the fields of a node's configuration ROM the driver uses.
type ConfigROM struct {
	// Minimal is set when the node only publishes a 24 bit vendor id.
	Minimal bool

	IRMCapable         bool
	CycleMasterCapable bool
	ISOCapable         bool
	BusManagerCapable  bool
	CycleClockAccuracy uint8
	MaxAsyncPayload    int
	LinkSpeed          uint8

	VendorID uint32
	GUID     uint64

	NodeCapabilities uint32
	UnitSpecID       uint32
	UnitSWVersion    uint32
	ModelID          uint32
	VendorName       string
}

func readQuadlet(p Port, node NodeID, addr uint64) (uint32, error) {
	var b [quadletLen]byte
	if err := p.Read(node, addr, b[:]); err != nil {
		return 0, err
	}
	return be.Uint32(b[:]), nil
}

// ReadConfigROM reads and parses the configuration ROM of node.
// Any read failure or a bad bus info block yields ErrROMNotAvailable; a
// partially parsed ROM is never returned.
// Based on FirewireDevice::readConfigRom().
func ReadConfigROM(p Port, node NodeID) (*ConfigROM, error) {
	rom := &ConfigROM{}
	if err := rom.read(p, node); err != nil {
		return nil, fmt.Errorf("%w: node %v: %v", ErrROMNotAvailable, node, err)
	}
	glog.V(1).Infof("Config ROM of node %v: %+v", node, rom)
	return rom, nil
}

func (rom *ConfigROM) read(p Port, node NodeID) error {
	addr := uint64(ConfigROMBase)
	q, err := readQuadlet(p, node, addr)
	if err != nil {
		return err
	}
	if q>>24 != busInfoLength {
		rom.Minimal = true
		rom.VendorID = q & 0xffffff
		return nil
	}

	addr += quadletLen
	if q, err = readQuadlet(p, node, addr); err != nil {
		return err
	}
	if q != busInfoMagic {
		return fmt.Errorf("bus info magic = 0x%08x, want 0x%08x", q, busInfoMagic)
	}

	addr += quadletLen
	if q, err = readQuadlet(p, node, addr); err != nil {
		return err
	}
	rom.IRMCapable = q>>31&1 == 1
	rom.CycleMasterCapable = q>>30&1 == 1
	rom.ISOCapable = q>>29&1 == 1
	rom.BusManagerCapable = q>>28&1 == 1
	rom.CycleClockAccuracy = uint8(q >> 16)
	rom.MaxAsyncPayload = 2 << (q >> 12 & 0xf)
	rom.LinkSpeed = uint8(q & 7)

	addr += quadletLen
	if q, err = readQuadlet(p, node, addr); err != nil {
		return err
	}
	rom.VendorID = q >> 8
	rom.GUID = uint64(q) << 32

	addr += quadletLen
	if q, err = readQuadlet(p, node, addr); err != nil {
		return err
	}
	rom.GUID |= uint64(q)

	addr += quadletLen
	if q, err = readQuadlet(p, node, addr); err != nil {
		return err
	}
	n := int(q >> 16)
	if n > maxRootDirEntry {
		glog.Warningf("Node %v: root directory length %d capped to %d", node, n, maxRootDirEntry)
		n = maxRootDirEntry
	}

	var unitDir, textLeaf uint64
	for i := 0; i < n; i++ {
		addr += quadletLen
		if q, err = readQuadlet(p, node, addr); err != nil {
			return err
		}
		value := q & 0xffffff
		switch q >> 24 {
		case keyNodeCapabilities:
			rom.NodeCapabilities = value
		case keyVendorID:
			if value != rom.VendorID {
				glog.Warningf("Node %v: vendor id mismatch: 0x%06x (bus info) vs 0x%06x (root dir)", node, rom.VendorID, value)
			}
		case keyUnitDirectory:
			unitDir = addr + uint64(value)*quadletLen
		case keyNodeUniqueID:
		case keyTextualLeaf:
			textLeaf = addr + uint64(value)*quadletLen
		}
	}

	if unitDir != 0 {
		if err := rom.readUnitDirectory(p, node, unitDir); err != nil {
			return err
		}
	}
	if textLeaf != 0 {
		if rom.VendorName, err = readTextualLeaf(p, node, textLeaf); err != nil {
			return err
		}
	}
	return nil
}

func (rom *ConfigROM) readUnitDirectory(p Port, node NodeID, addr uint64) error {
	q, err := readQuadlet(p, node, addr)
	if err != nil {
		return err
	}
	n := int(q >> 16)
	if n > maxRootDirEntry {
		n = maxRootDirEntry
	}
	for i := 0; i < n; i++ {
		addr += quadletLen
		if q, err = readQuadlet(p, node, addr); err != nil {
			return err
		}
		value := q & 0xffffff
		switch q >> 24 {
		case keyUnitSpecID:
			rom.UnitSpecID = value
		case keyUnitSWVersion:
			rom.UnitSWVersion = value
		case keyModelID:
			rom.ModelID = value
		}
	}
	return nil
}

func readTextualLeaf(p Port, node NodeID, addr uint64) (string, error) {
	q, err := readQuadlet(p, node, addr)
	if err != nil {
		return "", err
	}
	n := int(q >> 16)
	if n <= 2 {
		return "", nil
	}
	text := make([]byte, (n-2)*quadletLen)
	if err := p.Read(node, addr+textualLeafHeader, text); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(text, "\x00")), nil
}

// Node caches the configuration ROM of one node on an open port.
// The cached ROM is dropped when the port's bus generation changes.
type Node struct {
	port Port
	id   NodeID

	generation uint32
	read       bool
	rom        *ConfigROM
	err        error
}

// NewNode returns a handle on node id of p. Nothing is read until ConfigROM
// is called.
func NewNode(p Port, id NodeID) *Node {
	return &Node{port: p, id: id}
}

// ID returns the node id.
func (n *Node) ID() NodeID {
	return n.id
}

// Port returns the port the node lives on.
func (n *Node) Port() Port {
	return n.port
}

// ConfigROM returns the node's configuration ROM, reading it on first use.
func (n *Node) ConfigROM() (*ConfigROM, error) {
	gen := n.port.Generation()
	if n.read && gen != n.generation {
		glog.V(1).Infof("Node %v: bus generation %d -> %d, dropping cached config rom", n.id, n.generation, gen)
		n.read = false
	}
	if !n.read {
		n.rom, n.err = ReadConfigROM(n.port, n.id)
		n.generation = gen
		n.read = true
	}
	return n.rom, n.err
}

// Invalidate drops the cached configuration ROM.
func (n *Node) Invalidate() {
	n.read = false
	n.rom = nil
	n.err = nil
}
