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
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/phantom-drivers/go-phantom/firewire"
)

const serialKnown = 1 << 32

// serialCache holds a lazily read serial number. The upper half flags
// whether it has been read.
type serialCache struct {
	v atomic.Uint64
}

func (c *serialCache) get() (uint32, bool) {
	v := c.v.Load()
	return uint32(v), v&serialKnown != 0
}

func (c *serialCache) set(serial uint32) {
	c.v.Store(serialKnown | uint64(serial))
}

// readSerial reads the serial number register of node.
// Based on Phantom::readDeviceSerial().
func readSerial(p firewire.Port, node firewire.NodeID, retry retryPolicy) (uint32, error) {
	var b [4]byte
	err := retry.do(fmt.Sprintf("read node %v serial", node), func() error {
		return p.Read(node, addrSerial, b[:])
	})
	if err != nil {
		return 0, err
	}
	return le.Uint32(b[:]), nil
}

// Device is an opened PHANTOM. It owns a telemetry session and, if
// Options.Transmit is set, a force session. Callers must Close it.
type Device struct {
	// ID tags the device in logs for the lifetime of this handle.
	ID uuid.UUID

	loc      Location
	port     *sharedPort
	node     *firewire.Node
	registry *Registry
	opts     Options
	serial   serialCache

	recv, xmit *Session
	started    bool
	closed     bool
}

// openDevice registers the device at c and takes a reference on its port.
func openDevice(r *Registry, c *Candidate, opts Options) (*Device, error) {
	d := &Device{
		ID:       uuid.New(),
		loc:      c.loc,
		node:     c.node,
		registry: r,
		opts:     opts,
	}
	if s, ok := c.serial.get(); ok {
		d.serial.set(s)
	}
	if err := r.add(d); err != nil {
		return nil, err
	}
	d.port = c.port.Ref()
	glog.Infof("Opened PHANTOM %v at %v", d.ID, d.loc)
	return d, nil
}

// Location returns where the device sits on the host.
func (d *Device) Location() Location {
	return d.loc
}

// ConfigROM returns the device's configuration ROM.
func (d *Device) ConfigROM() (*firewire.ConfigROM, error) {
	return d.node.ConfigROM()
}

// Serial returns the device serial number, reading it on first use.
func (d *Device) Serial() (uint32, error) {
	if s, ok := d.serial.get(); ok {
		return s, nil
	}
	if d.closed {
		return 0, ErrClosed
	}
	s, err := readSerial(d.port, d.loc.Node, d.opts.retry())
	if err != nil {
		return 0, err
	}
	d.serial.set(s)
	return s, nil
}

func (d *Device) lastActive(s *Session) bool {
	for _, o := range []*Session{d.recv, d.xmit} {
		if o != nil && o != s && o.running {
			return false
		}
	}
	return true
}

func (d *Device) newSession(dir Direction) *Session {
	s := newSession(d.port, d.loc.Node, dir, d.opts)
	s.lastActive = d.lastActive
	return s
}

// Start opens the telemetry channel and, if configured, the force channel.
// Based on Phantom::startPhantom().
func (d *Device) Start() error {
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return fmt.Errorf("%w: PHANTOM %v", ErrAlreadyStarted, d.ID)
	}

	var failed = true
	defer func() {
		if failed {
			d.closeSessions()
		}
	}()

	d.recv = d.newSession(Receive)
	if err := d.recv.Start(); err != nil {
		return fmt.Errorf("PHANTOM %v at %v: %w", d.ID, d.loc, err)
	}
	if d.opts.Transmit {
		d.xmit = d.newSession(Transmit)
		if err := d.xmit.Start(); err != nil {
			return fmt.Errorf("PHANTOM %v at %v: %w", d.ID, d.loc, err)
		}
	}
	d.started = true
	failed = false
	glog.Infof("Started PHANTOM %v at %v", d.ID, d.loc)
	return nil
}

// closeSessions stops the force session first so that the telemetry session
// is the last one running and turns the device's iso engine off.
func (d *Device) closeSessions() error {
	var errs []error
	for _, s := range []*Session{d.xmit, d.recv} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.xmit, d.recv = nil, nil
	return errors.Join(errs...)
}

// Stop ends streaming and releases both channels. Stopping a stopped
// device is a no-op.
// Based on Phantom::stopPhantom().
func (d *Device) Stop() error {
	if !d.started {
		return nil
	}
	d.started = false
	err := d.closeSessions()
	glog.Infof("Stopped PHANTOM %v at %v", d.ID, d.loc)
	return err
}

// Started reports whether the device is streaming.
func (d *Device) Started() bool {
	return d.started
}

// Iterate pumps one batch of isochronous events for each open channel. A
// failing channel does not keep the other one from being pumped.
// Based on Phantom::isoIterate().
func (d *Device) Iterate() error {
	if !d.started {
		return fmt.Errorf("%w: PHANTOM %v", ErrNotStarted, d.ID)
	}
	var errs []error
	if err := d.recv.Iterate(); err != nil {
		errs = append(errs, err)
	}
	if d.xmit != nil {
		if err := d.xmit.Iterate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Receiver returns the telemetry session, nil unless started.
func (d *Device) Receiver() *Session {
	return d.recv
}

// Transmitter returns the force session, nil unless started with
// Options.Transmit.
func (d *Device) Transmitter() *Session {
	return d.xmit
}

// Telemetry returns the last decoded frame.
func (d *Device) Telemetry() (TelemetryFrame, bool) {
	if d.recv == nil {
		return TelemetryFrame{}, false
	}
	return d.recv.Telemetry()
}

// Frames drains the telemetry backlog, oldest first.
func (d *Device) Frames() []TelemetryFrame {
	if d.recv == nil {
		return nil
	}
	return d.recv.Frames()
}

func (d *Device) transmitter() (*Session, error) {
	if d.xmit == nil {
		return nil, fmt.Errorf("%w: PHANTOM %v has no force channel", ErrNotStarted, d.ID)
	}
	return d.xmit, nil
}

// SetForce sets the force frame sent on every cycle.
func (d *Device) SetForce(f ForceFrame) error {
	s, err := d.transmitter()
	if err != nil {
		return err
	}
	return s.SetForce(f)
}

// QueueForce queues f to be sent on the next free cycle.
func (d *Device) QueueForce(f ForceFrame) error {
	s, err := d.transmitter()
	if err != nil {
		return err
	}
	return s.QueueForce(f)
}

// Close stops the device, unregisters it and drops its port reference.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	err := d.Stop()
	d.closed = true
	d.registry.remove(d)
	if d.port != nil {
		d.port.Close()
		d.port = nil
	}
	glog.Infof("Closed PHANTOM %v at %v", d.ID, d.loc)
	return err
}
