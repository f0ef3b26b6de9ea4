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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/phantom-drivers/go-phantom/firewire"
)

const (
	csrChannelsHi = firewire.CSRRegisterBase + 0x224
	allChannels   = firewire.ChannelSet(0xffffffffffffffff)
)

// stubNode is the byte addressed memory of one node.
type stubNode struct {
	mem map[uint64]byte
	// readOverride, if set for an address, is returned instead of mem.
	readOverride map[uint64]byte
}

func newStubNode() *stubNode {
	return &stubNode{mem: map[uint64]byte{}, readOverride: map[uint64]byte{}}
}

func (n *stubNode) put(addr uint64, p []byte) {
	for i, b := range p {
		n.mem[addr+uint64(i)] = b
	}
}

func (n *stubNode) putQuadlets(addr uint64, qs ...uint32) {
	for i, q := range qs {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], q)
		n.put(addr+uint64(4*i), b[:])
	}
}

// withROM loads a general format config ROM with the given vendor id.
func (n *stubNode) withROM(vendor uint32) *stubNode {
	n.putQuadlets(firewire.ConfigROMBase,
		0x04040000, 0x31333934, 0xe0648002, vendor<<8, 0x00000001, 0x00000000)
	return n
}

// newPhantomNode models an idle PHANTOM Omni.
func newPhantomNode(serial uint32) *stubNode {
	n := newStubNode().withROM(SensAbleVendorID)
	n.put(addrVendorCheck, []byte{0x00, 0x0b, 0x99, 0x00})
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], serial)
	n.put(addrSerial, s[:])
	n.mem[addrStatusHi] = statusHiWant
	n.mem[addrStatusLo] = statusLoWant
	return n
}

// newCardNode models the local card, which is also the IRM.
func newCardNode() *stubNode {
	n := newStubNode().withROM(0x001234)
	n.putQuadlets(csrChannelsHi, 0xffffffff, 0xffffffff)
	return n
}

type stubIsoStream struct {
	channel    int
	packetSize int
	recv       firewire.RecvHandler
	xmit       firewire.XmitHandler
	cycle      uint32

	iterErr error    // Returned by every Iterate when set.
	inbox   [][]byte // Packets delivered to recv, one per Iterate.
	sent    [][]byte // Packets produced by xmit.
	started bool
	stopped bool
	closed  bool
}

func (s *stubIsoStream) Start() error {
	s.started = true
	return nil
}

func (s *stubIsoStream) Stop() error {
	s.stopped = true
	return nil
}

func (s *stubIsoStream) Close() error {
	s.closed = true
	return nil
}

func (s *stubIsoStream) Iterate() error {
	defer func() { s.cycle++ }()
	if s.iterErr != nil {
		return s.iterErr
	}
	if s.recv != nil {
		if len(s.inbox) == 0 {
			return nil
		}
		p := s.inbox[0]
		s.inbox = s.inbox[1:]
		return s.recv(p, s.cycle, 0)
	}
	buf := make([]byte, s.packetSize)
	n, err := s.xmit(buf, s.cycle)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, buf[:n])
	return nil
}

type stubPort struct {
	nodes      []*stubNode
	irm        int
	generation uint32
	// opens counts the handles the bus gave out; closed is set once all of
	// them were closed.
	opens  int
	closed bool

	// log records device register traffic below 0x2000 as "r 1001" and
	// "w 1001 05".
	log []string
	// transient counts the transient failures still to return for an address.
	transient map[uint64]int
	fatal     map[uint64]error
	// beforeLock, if set, runs before every compare-swap.
	beforeLock func()

	isoOpenErr error
	streams    []*stubIsoStream
}

func newStubPort(nodes ...*stubNode) *stubPort {
	return &stubPort{nodes: nodes, transient: map[uint64]int{}, fatal: map[uint64]error{}}
}

func (p *stubPort) node(id firewire.NodeID) (*stubNode, error) {
	if id.Phy() >= len(p.nodes) {
		return nil, &firewire.TransportError{Op: "request", Node: id, Err: errors.New("no such node")}
	}
	return p.nodes[id.Phy()], nil
}

func (p *stubPort) fail(op string, id firewire.NodeID, addr uint64) error {
	if n := p.transient[addr]; n > 0 {
		p.transient[addr] = n - 1
		return &firewire.TransportError{Op: op, Node: id, Addr: addr, Transient: true, Err: errors.New("busy")}
	}
	if err, ok := p.fatal[addr]; ok {
		return &firewire.TransportError{Op: op, Node: id, Addr: addr, Err: err}
	}
	return nil
}

func (p *stubPort) Close() error {
	p.opens--
	p.closed = p.opens <= 0
	return nil
}

func (p *stubPort) NodeCount() (int, error)           { return len(p.nodes), nil }
func (p *stubPort) LocalNode() firewire.NodeID        { return firewire.LocalNode(0) }
func (p *stubPort) Generation() uint32                { return p.generation }
func (p *stubPort) IRMNode() (firewire.NodeID, error) { return firewire.LocalNode(p.irm), nil }

func (p *stubPort) Read(id firewire.NodeID, addr uint64, b []byte) error {
	if addr < 0x2000 {
		p.log = append(p.log, fmt.Sprintf("r %04x", addr))
	}
	if err := p.fail("read", id, addr); err != nil {
		return err
	}
	n, err := p.node(id)
	if err != nil {
		return err
	}
	for i := range b {
		a := addr + uint64(i)
		if v, ok := n.readOverride[a]; ok {
			b[i] = v
		} else {
			b[i] = n.mem[a]
		}
	}
	return nil
}

func (p *stubPort) Write(id firewire.NodeID, addr uint64, b []byte) error {
	if addr < 0x2000 {
		p.log = append(p.log, fmt.Sprintf("w %04x % x", addr, b))
	}
	if err := p.fail("write", id, addr); err != nil {
		return err
	}
	n, err := p.node(id)
	if err != nil {
		return err
	}
	n.put(addr, b)
	return nil
}

func (p *stubPort) CompareSwap(id firewire.NodeID, addr uint64, arg, data uint32) (uint32, error) {
	if p.beforeLock != nil {
		p.beforeLock()
	}
	var b [4]byte
	if err := p.Read(id, addr, b[:]); err != nil {
		return 0, err
	}
	old := binary.BigEndian.Uint32(b[:])
	if old == arg {
		binary.BigEndian.PutUint32(b[:], data)
		p.nodes[id.Phy()].put(addr, b[:])
	}
	return old, nil
}

func (p *stubPort) OpenIsoReceive(channel, packetSize int, h firewire.RecvHandler) (firewire.IsoStream, error) {
	if p.isoOpenErr != nil {
		return nil, p.isoOpenErr
	}
	s := &stubIsoStream{channel: channel, packetSize: packetSize, recv: h}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *stubPort) OpenIsoTransmit(channel, packetSize int, h firewire.XmitHandler) (firewire.IsoStream, error) {
	if p.isoOpenErr != nil {
		return nil, p.isoOpenErr
	}
	s := &stubIsoStream{channel: channel, packetSize: packetSize, xmit: h}
	p.streams = append(p.streams, s)
	return s, nil
}

// channels returns the IRM availability bitmap.
func (p *stubPort) channels() firewire.ChannelSet {
	var b [8]byte
	p.Read(firewire.LocalNode(p.irm), csrChannelsHi, b[:])
	return firewire.ChannelSet(binary.BigEndian.Uint64(b[:]))
}

func (p *stubPort) setChannels(s firewire.ChannelSet) {
	p.nodes[p.irm].putQuadlets(csrChannelsHi, uint32(s>>32), uint32(s))
}

func (p *stubPort) control(phy int) byte {
	return p.nodes[phy].mem[addrControl]
}

type stubBus struct {
	ports    []*stubPort
	portsErr error
	openErr  map[int]error
}

func (b *stubBus) Ports() (int, error) {
	if b.portsErr != nil {
		return 0, b.portsErr
	}
	return len(b.ports), nil
}

func (b *stubBus) OpenPort(i int) (firewire.Port, error) {
	if err := b.openErr[i]; err != nil {
		return nil, err
	}
	p := b.ports[i]
	p.opens++
	p.closed = false
	return p, nil
}

func testOptions() Options {
	o := DefaultOptions()
	o.HandshakeBackoff = 0
	return o
}

// telemetryPacket returns a padded telemetry packet with the given counter
// and status.
func telemetryPacket(count0 uint32, status TelemetryStatus) []byte {
	f := TelemetryFrame{Count0: count0, Status: status}
	p, _ := f.MarshalBinary()
	return append(p, make([]byte, recvPacketSize-len(p))...)
}

func forcePacket(f ForceFrame) []byte {
	p, _ := f.MarshalBinary()
	return p
}

// countingTimer fires at once and counts how often a retry waited.
type countingTimer struct {
	started int
	c       chan time.Time
}

func (t *countingTimer) Start(time.Duration) {
	t.started++
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}

func (t *countingTimer) Stop() {}

func (t *countingTimer) C() <-chan time.Time { return t.c }
