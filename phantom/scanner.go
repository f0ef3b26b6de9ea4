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

package phantom

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/phantom-drivers/go-phantom/firewire"
)

// Candidate is an unopened PHANTOM found by a scan. It is valid until the
// ScanIterator that produced it is closed.
type Candidate struct {
	loc    Location
	port   *sharedPort
	node   *firewire.Node
	retry  retryPolicy
	serial serialCache
}

// Location returns where the candidate sits on the host.
func (c *Candidate) Location() Location {
	return c.loc
}

// ConfigROM returns the candidate's configuration ROM.
func (c *Candidate) ConfigROM() (*firewire.ConfigROM, error) {
	return c.node.ConfigROM()
}

// Serial reads the candidate's serial number.
func (c *Candidate) Serial() (uint32, error) {
	if s, ok := c.serial.get(); ok {
		return s, nil
	}
	s, err := readSerial(c.port, c.loc.Node, c.retry)
	if err != nil {
		return 0, err
	}
	c.serial.set(s)
	return s, nil
}

// isPhantom checks the config ROM vendor and the vendor register. Nodes that
// fail to answer are not PHANTOMs.
// Based on FirewireDevice::isSensableDevice().
func (c *Candidate) isPhantom() bool {
	rom, err := c.node.ConfigROM()
	if err != nil {
		glog.V(1).Infof("Skipping %v: %v", c.loc, err)
		return false
	}
	if rom.VendorID != SensAbleVendorID {
		return false
	}
	var b [4]byte
	err = c.retry.do(fmt.Sprintf("read node %v vendor register", c.loc.Node), func() error {
		return c.port.Read(c.loc.Node, addrVendorCheck, b[:])
	})
	if err != nil {
		glog.V(1).Infof("Skipping %v: vendor register: %v", c.loc, err)
		return false
	}
	if v := le.Uint32(b[:]); v != vendorCheckValue {
		glog.V(1).Infof("Skipping %v: vendor register = 0x%08x, want 0x%08x", c.loc, v, vendorCheckValue)
		return false
	}
	return true
}

// Scanner finds PHANTOMs on every FireWire card of a bus.
type Scanner struct {
	bus      firewire.Bus
	registry *Registry
	opts     Options
}

// NewScanner returns a scanner over bus that opens devices into registry.
func NewScanner(bus firewire.Bus, registry *Registry, opts Options) *Scanner {
	return &Scanner{bus: bus, registry: registry, opts: opts}
}

// Registry returns the registry devices are opened into.
func (s *Scanner) Registry() *Registry {
	return s.registry
}

// Scan starts a fresh scan. Ports are visited in ascending order, nodes in
// ascending physical id. Devices already open in the registry are skipped.
// Based on DeviceIterator::next().
func (s *Scanner) Scan() *ScanIterator {
	return &ScanIterator{s: s, portIdx: -1}
}

// ScanIterator walks the PHANTOMs found on the bus lazily.
//
//	it := scanner.Scan()
//	defer it.Close()
//	for it.Next() {
//		c := it.Candidate()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type ScanIterator struct {
	s       *Scanner
	started bool
	done    bool
	err     error

	ports   int
	portIdx int
	port    *sharedPort
	// opened holds the iterator's reference on every port it opened.
	opened  []*sharedPort
	nodes   int
	nodeIdx int

	cur *Candidate
}

// Next advances to the next candidate.
func (it *ScanIterator) Next() bool {
	it.cur = nil
	if it.done || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		n, err := it.s.bus.Ports()
		if err != nil {
			if !errors.Is(err, firewire.ErrNoBus) {
				err = fmt.Errorf("%w: %v", firewire.ErrNoBus, err)
			}
			it.err = err
			return false
		}
		it.ports = n
	}
	for {
		if it.port == nil && !it.nextPort() {
			it.done = true
			return false
		}
		for it.nodeIdx < it.nodes {
			id := firewire.LocalNode(it.nodeIdx)
			it.nodeIdx++
			loc := Location{Port: it.portIdx, Node: id}
			if it.s.registry.IsOpen(loc) {
				continue
			}
			c := &Candidate{
				loc:   loc,
				port:  it.port,
				node:  firewire.NewNode(it.port, id),
				retry: it.s.opts.retry(),
			}
			if c.isPhantom() {
				it.cur = c
				return true
			}
		}
		it.port = nil
	}
}

// nextPort opens the next port that answers. It returns false once all
// ports have been visited.
func (it *ScanIterator) nextPort() bool {
	for it.portIdx+1 < it.ports {
		it.portIdx++
		p, err := it.s.bus.OpenPort(it.portIdx)
		if err != nil {
			glog.Warningf("Skipping firewire port %d: %v", it.portIdx, err)
			continue
		}
		sp := newSharedPort(p, it.portIdx)
		it.opened = append(it.opened, sp)
		n, err := p.NodeCount()
		if err != nil {
			glog.Warningf("Skipping firewire port %d: node count: %v", it.portIdx, err)
			continue
		}
		it.port = sp
		it.nodes = n
		it.nodeIdx = 0
		return true
	}
	return false
}

// Candidate returns the current candidate.
func (it *ScanIterator) Candidate() *Candidate {
	return it.cur
}

// Err returns the error that stopped the scan, if any.
func (it *ScanIterator) Err() error {
	return it.err
}

// Close drops the iterator's port references. Devices opened from its
// candidates keep their own.
func (it *ScanIterator) Close() error {
	for _, p := range it.opened {
		p.Close()
	}
	it.opened = nil
	it.port = nil
	it.cur = nil
	it.done = true
	return nil
}

// Open opens the device at c. Opening a device that is already open fails
// with ErrAlreadyInUse.
func (s *Scanner) Open(c *Candidate) (*Device, error) {
	return openDevice(s.registry, c, s.opts)
}

// Find opens the first PHANTOM not already open.
func (s *Scanner) Find() (*Device, error) {
	return s.FindBySerial(0)
}

// FindBySerial opens the PHANTOM with the given serial number; 0 matches
// any device. Asking again for the serial of a device this registry already
// holds returns that same device.
// Based on Phantom::findPhantom().
func (s *Scanner) FindBySerial(serial uint32) (*Device, error) {
	if serial != 0 {
		if d := s.registry.lookupSerial(serial); d != nil {
			glog.V(1).Infof("PHANTOM %d already open as %v", serial, d.ID)
			return d, nil
		}
	}

	it := s.Scan()
	defer it.Close()
	for it.Next() {
		c := it.Candidate()
		sn, err := c.Serial()
		if err != nil {
			glog.Warningf("Skipping %v: serial: %v", c.loc, err)
			continue
		}
		if serial != 0 && sn != serial {
			continue
		}
		return s.Open(c)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if serial == 0 {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: serial %d", ErrNotFound, serial)
}
