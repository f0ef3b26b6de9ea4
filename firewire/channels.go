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

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// NumChannels is the number of isochronous channels on a bus.
const NumChannels = 64

// Bounded retries when other bits of the availability quadlet change under us.
const maxLockAttempts = 8

var errLockRaced = errors.New("availability quadlet changed during lock")

// ChannelSet is the IRM CHANNELS_AVAILABLE register, HI quadlet in the upper
// 32 bits. Channel c is free when bit 63-c is set.
type ChannelSet uint64

func channelBit(ch int) ChannelSet {
	return 1 << (NumChannels - 1 - ch)
}

// Free reports whether ch is available.
func (s ChannelSet) Free(ch int) bool {
	if ch < 0 || ch >= NumChannels {
		return false
	}
	return s&channelBit(ch) != 0
}

// First returns the lowest free channel, or -1.
func (s ChannelSet) First() int {
	for ch := 0; ch < NumChannels; ch++ {
		if s.Free(ch) {
			return ch
		}
	}
	return -1
}

// ChannelAllocator claims and releases isochronous channels at the bus IRM.
type ChannelAllocator struct {
	port Port
}

// NewChannelAllocator returns an allocator working on p.
func NewChannelAllocator(p Port) *ChannelAllocator {
	return &ChannelAllocator{port: p}
}

func (a *ChannelAllocator) irm() (NodeID, error) {
	irm, err := a.port.IRMNode()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoBus, err)
	}
	return irm, nil
}

// Available reads the channel availability bitmap from the IRM.
// Based on FirewireDeviceLibraw1394::getFreeChannel().
func (a *ChannelAllocator) Available() (ChannelSet, error) {
	irm, err := a.irm()
	if err != nil {
		return 0, err
	}
	var b [8]byte
	if err := a.port.Read(irm, CSRRegisterBase+csrChannelsAvailableHi, b[:]); err != nil {
		return 0, err
	}
	return ChannelSet(be.Uint64(b[:])), nil
}

// FindFree returns the lowest free channel without claiming it.
func (a *ChannelAllocator) FindFree() (int, error) {
	s, err := a.Available()
	if err != nil {
		return 0, err
	}
	ch := s.First()
	if ch < 0 {
		return 0, ErrResourceExhausted
	}
	glog.V(1).Infof("Free isochronous channel %d (available %016x)", ch, uint64(s))
	return ch, nil
}

// Claim marks ch as used at the IRM. ErrAlreadyInUse is returned when another
// node owns the channel, including when it won a race against us.
func (a *ChannelAllocator) Claim(ch int) error {
	return a.modify(ch, true)
}

// Release marks ch as free at the IRM. ErrNotClaimed is returned when the
// channel is not in use.
func (a *ChannelAllocator) Release(ch int) error {
	return a.modify(ch, false)
}

// modify flips the channel bit with a lock compare-swap on the quadlet
// holding it. A CAS that fails because of unrelated bits is retried.
// Based on raw1394_channel_modify().
func (a *ChannelAllocator) modify(ch int, claim bool) error {
	if ch < 0 || ch >= NumChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	irm, err := a.irm()
	if err != nil {
		return err
	}
	addr := uint64(CSRRegisterBase + csrChannelsAvailableHi)
	if ch >= 32 {
		addr = CSRRegisterBase + csrChannelsAvailableLo
	}
	bit := uint32(1) << (31 - ch%32)

	old, err := readQuadlet(a.port, irm, addr)
	if err != nil {
		return err
	}
	lock := func() error {
		var want uint32
		if claim {
			if old&bit == 0 {
				return backoff.Permanent(fmt.Errorf("%w: channel %d", ErrAlreadyInUse, ch))
			}
			want = old &^ bit
		} else {
			if old&bit != 0 {
				return backoff.Permanent(fmt.Errorf("%w: channel %d", ErrNotClaimed, ch))
			}
			want = old | bit
		}
		got, err := a.port.CompareSwap(irm, addr, old, want)
		if err != nil {
			return backoff.Permanent(err)
		}
		if got == old {
			glog.V(1).Infof("Channel %d claim=%v at IRM %v: %08x -> %08x", ch, claim, irm, old, want)
			return nil
		}
		glog.Warningf("Channel %d: IRM quadlet changed during lock (%08x, want %08x), retrying", ch, got, old)
		old = got
		return errLockRaced
	}
	err = backoff.Retry(lock, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxLockAttempts-1))
	if errors.Is(err, errLockRaced) {
		return &TransportError{
			Op:        "lock",
			Node:      irm,
			Addr:      addr,
			Transient: true,
			Err:       fmt.Errorf("channel %d: %w after %d attempts", ch, errLockRaced, maxLockAttempts),
		}
	}
	return err
}
