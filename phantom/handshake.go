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

type handshakeState int

// Handshake states only ever move forward until shutdown.
const (
	stateIdle handshakeState = iota
	stateChannelAssigned
	stateVerified
	stateIsoEnabled
	stateStreaming
)

var stateNames = map[handshakeState]string{
	stateIdle:            "idle",
	stateChannelAssigned: "channel-assigned",
	stateVerified:        "verified",
	stateIsoEnabled:      "iso-enabled",
	stateStreaming:       "streaming",
}

func (s handshakeState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("handshakeState(%d)", int(s))
}

// handshake programs one direction of the device for isochronous streaming.
type handshake struct {
	port    firewire.Port
	node    firewire.NodeID
	dir     Direction
	channel int
	retry   retryPolicy
	state   handshakeState
}

func (h *handshake) readReg(addr uint64) (uint8, error) {
	var b [1]byte
	err := h.retry.do(fmt.Sprintf("read node %v reg 0x%04x", h.node, addr), func() error {
		return h.port.Read(h.node, addr, b[:])
	})
	if err != nil {
		return 0, err
	}
	glog.V(1).Infof("[REG-RD] node %v 0x%04x = 0x%02x", h.node, addr, b[0])
	return b[0], nil
}

func (h *handshake) writeReg(addr uint64, v uint8) error {
	glog.V(1).Infof("[REG-WR] node %v 0x%04x <- 0x%02x", h.node, addr, v)
	return h.retry.do(fmt.Sprintf("write node %v reg 0x%04x", h.node, addr), func() error {
		return h.port.Write(h.node, addr, []byte{v})
	})
}

func (h *handshake) expect(addr uint64, want uint8) error {
	got, err := h.readReg(addr)
	if err != nil {
		return err
	}
	if got != want {
		return &MismatchError{Node: h.node, Register: addr, Want: want, Got: got}
	}
	return nil
}

// verifyStatus checks the two status registers. Their meaning is unknown;
// every working device reports 0xc0 and 0x00.
func (h *handshake) verifyStatus() error {
	if err := h.expect(addrStatusHi, statusHiWant); err != nil {
		return err
	}
	return h.expect(addrStatusLo, statusLoWant)
}

// setIsoEnable sets or clears the iso enable bit of the control register,
// leaving the other bits alone. Nothing is written when the bit already has
// the requested value.
func (h *handshake) setIsoEnable(on bool) error {
	c, err := h.readReg(addrControl)
	if err != nil {
		return err
	}
	if (c&controlEnableIso != 0) == on {
		return nil
	}
	if on {
		c |= controlEnableIso
	} else {
		c &^= controlEnableIso
	}
	return h.writeReg(addrControl, c)
}

// enable assigns the channel, checks the device latches it, verifies the
// status registers and turns on isochronous transfers.
// Based on PhantomIsoChannel::start().
func (h *handshake) enable() error {
	if h.state != stateIdle {
		return fmt.Errorf("%w: %v handshake in state %v", ErrAlreadyStarted, h.dir, h.state)
	}
	reg := h.dir.channelRegister()
	ch := uint8(h.channel)

	if err := h.writeReg(reg, ch); err != nil {
		return err
	}
	h.state = stateChannelAssigned
	if err := h.expect(reg, ch); err != nil {
		return err
	}
	// Probe that the device latches arbitrary values, then restore the channel.
	if err := h.writeReg(reg, channelProbe); err != nil {
		return err
	}
	if err := h.expect(reg, channelProbe); err != nil {
		return err
	}
	if err := h.writeReg(reg, ch); err != nil {
		return err
	}

	if err := h.verifyStatus(); err != nil {
		return err
	}
	h.state = stateVerified

	if err := h.setIsoEnable(true); err != nil {
		return err
	}
	h.state = stateIsoEnabled
	glog.V(1).Infof("Node %v: %v handshake done on channel %d", h.node, h.dir, h.channel)
	return nil
}

// disable re-verifies the status registers and, if clearEnable is set,
// turns off isochronous transfers. The enable bit is shared by both
// directions, so only the last running direction clears it.
// Based on PhantomIsoChannel::stop().
func (h *handshake) disable(clearEnable bool) error {
	if h.state < stateIsoEnabled {
		h.state = stateIdle
		return nil
	}
	var errs []error
	if err := h.verifyStatus(); err != nil {
		errs = append(errs, err)
	}
	if clearEnable {
		if err := h.setIsoEnable(false); err != nil {
			errs = append(errs, err)
		}
	}
	h.state = stateIdle
	return errors.Join(errs...)
}
