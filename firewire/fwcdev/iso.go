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

//go:build linux && (amd64 || arm64)

package fwcdev

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/phantom-drivers/go-phantom/firewire"
)

const (
	// isoPackets is the number of packet slots in the mapped buffer.
	isoPackets = 256
	// xmitPrefill is the number of force packets kept in flight.
	xmitPrefill = 8

	// Receive headers are the iso packet header and the timestamp quadlet.
	recvHeaderSize = 8
	// Transmit headers are the timestamp quadlet of each sent packet.
	xmitHeaderSize = 4

	cyclesPerSecond = 8000
)

var errStreamStopped = errors.New("iso stream stopped")

// isoStream is one iso context on a private device file. The payload ring
// is shared with the kernel through mmap; slot i holds packet i mod
// isoPackets.
type isoStream struct {
	fd         int
	typ        uint32
	handle     uint32
	channel    int
	packetSize int
	ring       []byte
	events     []byte

	recv firewire.RecvHandler
	xmit firewire.XmitHandler

	// next is the slot of the next packet to complete (receive) or to fill
	// (transmit).
	next    int
	started bool
	running bool
}

func newIsoStream(fd int, typ uint32, channel, packetSize int) (*isoStream, error) {
	headerSize := recvHeaderSize
	prot := unix.PROT_READ
	if typ == isoContextTransmit {
		headerSize = xmitHeaderSize
		prot |= unix.PROT_WRITE
	}
	c := createIsoContext{
		Type:       typ,
		HeaderSize: uint32(headerSize),
		Channel:    uint32(channel),
		Speed:      speedS100,
	}
	if err := ioctl(fd, ioctlCreateIsoContext, unsafe.Pointer(&c)); err != nil {
		return nil, fmt.Errorf("CREATE_ISO_CONTEXT channel %d: %w", channel, err)
	}
	size := roundUp(isoPackets*packetSize, unix.Getpagesize())
	ring, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d byte iso buffer: %w", size, err)
	}
	glog.V(1).Infof("Iso context %d (type %d) on channel %d, %d byte buffer", c.Handle, typ, channel, size)
	return &isoStream{
		fd:         fd,
		typ:        typ,
		handle:     c.Handle,
		channel:    channel,
		packetSize: packetSize,
		ring:       ring,
		events:     make([]byte, eventBufferSize),
	}, nil
}

func roundUp(n, m int) int {
	return (n + m - 1) / m * m
}

func (s *isoStream) slot(i int) []byte {
	return s.ring[i*s.packetSize : (i+1)*s.packetSize]
}

// queue hands one packet slot to the kernel.
func (s *isoStream) queue(i int, control uint32) error {
	ctrl := control
	q := queueIso{
		Packets: uint64(uintptr(unsafe.Pointer(&ctrl))),
		Data:    uint64(uintptr(unsafe.Pointer(&s.ring[i*s.packetSize]))),
		Size:    uint32(unsafe.Sizeof(ctrl)),
		Handle:  s.handle,
	}
	err := ioctl(s.fd, ioctlQueueIso, unsafe.Pointer(&q))
	runtime.KeepAlive(&ctrl)
	if err != nil {
		return fmt.Errorf("QUEUE_ISO channel %d slot %d: %w", s.channel, i, err)
	}
	return nil
}

func (s *isoStream) recvControl() uint32 {
	return isoPayloadLength(s.packetSize) | isoHeaderLength(recvHeaderSize) | isoInterrupt
}

// fill asks the handler for the packet in slot i and queues it. A failing
// handler still queues an empty packet so the context keeps running; its
// error is returned as herr.
func (s *isoStream) fill(i int, cycle uint32) (herr, err error) {
	buf := s.slot(i)
	n, herr := s.xmit(buf, cycle)
	if herr != nil || n < 0 || n > len(buf) {
		n = 0
	}
	if glog.V(2) {
		glog.Infof("[ISO-TX] channel %d slot %d cycle %d: %d bytes", s.channel, i, cycle, n)
	}
	return herr, s.queue(i, isoPayloadLength(n)|isoInterrupt)
}

// Start implements firewire.IsoStream. A context runs at most once.
func (s *isoStream) Start() error {
	if s.started {
		return fmt.Errorf("iso stream on channel %d already started", s.channel)
	}
	s.started = true
	if s.typ == isoContextReceive {
		for i := 0; i < isoPackets; i++ {
			if err := s.queue(i, s.recvControl()); err != nil {
				return err
			}
		}
	} else {
		for i := 0; i < xmitPrefill; i++ {
			herr, err := s.fill(i, uint32(i))
			if err != nil {
				return err
			}
			if herr != nil {
				return herr
			}
		}
		s.next = xmitPrefill % isoPackets
	}
	a := startIso{Cycle: -1, Tags: isoMatchAllTags, Handle: s.handle}
	if err := ioctl(s.fd, ioctlStartIso, unsafe.Pointer(&a)); err != nil {
		return fmt.Errorf("START_ISO channel %d: %w", s.channel, err)
	}
	s.running = true
	return nil
}

// Stop implements firewire.IsoStream.
func (s *isoStream) Stop() error {
	if !s.running {
		return nil
	}
	s.running = false
	a := stopIso{Handle: s.handle}
	if err := ioctl(s.fd, ioctlStopIso, unsafe.Pointer(&a)); err != nil {
		return fmt.Errorf("STOP_ISO channel %d: %w", s.channel, err)
	}
	return nil
}

// Close implements firewire.IsoStream. Closing the file destroys the context.
func (s *isoStream) Close() error {
	var errs []error
	if err := s.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.ring != nil {
		if err := unix.Munmap(s.ring); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		s.ring = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, err)
		}
		s.fd = -1
	}
	return errors.Join(errs...)
}

// Iterate implements firewire.IsoStream. It blocks until the kernel reports
// the next completed packets.
func (s *isoStream) Iterate() error {
	if !s.running {
		return errStreamStopped
	}
	ev, err := readEvent(s.fd, s.events)
	if err != nil {
		return err
	}
	typ, err := eventType(ev)
	if err != nil {
		return err
	}
	if typ != eventIsoInterrupt {
		glog.V(2).Infof("Iso channel %d: ignoring event type %d", s.channel, typ)
		return nil
	}
	e, err := parseIsoInterrupt(ev)
	if err != nil {
		return err
	}
	if s.typ == isoContextReceive {
		return s.received(e)
	}
	return s.sent(e)
}

// timestampCycle returns the cycle of a 16 bit iso timestamp: 3 bits of
// seconds and 13 bits of cycle count.
func timestampCycle(ts uint32) uint32 {
	return (ts>>13&7)*cyclesPerSecond + ts&0x1fff
}

// received hands every completed packet to the handler and requeues its
// slot. firewire-cdev does not report buffer overruns, so dropped is 0.
func (s *isoStream) received(e isoEvent) error {
	var herr error
	for len(e.headers) >= recvHeaderSize {
		h := e.headers[:recvHeaderSize]
		e.headers = e.headers[recvHeaderSize:]

		n := int(be.Uint32(h[0:]) >> 16)
		if n > s.packetSize {
			n = s.packetSize
		}
		cycle := timestampCycle(be.Uint32(h[4:]))
		i := s.next
		s.next = (s.next + 1) % isoPackets
		if err := s.recv(s.slot(i)[:n], cycle, 0); err != nil && herr == nil {
			herr = err
		}
		if err := s.queue(i, s.recvControl()); err != nil {
			return err
		}
	}
	return herr
}

// sent refills one slot for every completed packet.
func (s *isoStream) sent(e isoEvent) error {
	done := len(e.headers) / xmitHeaderSize
	if done == 0 {
		done = 1
	}
	base := e.cycle & 0x1fff
	var herr error
	for k := 0; k < done; k++ {
		cycle := (base + xmitPrefill + uint32(k)) % cyclesPerSecond
		i := s.next
		s.next = (s.next + 1) % isoPackets
		ferr, err := s.fill(i, cycle)
		if err != nil {
			return err
		}
		if ferr != nil && herr == nil {
			herr = ferr
		}
	}
	return herr
}
