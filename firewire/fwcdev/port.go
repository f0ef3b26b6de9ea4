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

// Package fwcdev implements firewire.Bus on the Linux firewire-cdev
// character devices, /dev/fw*. The kernel creates one device file per node;
// a port groups the files of one card.
package fwcdev

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/phantom-drivers/go-phantom/firewire"
)

const eventBufferSize = 16 << 10

// Bus enumerates the cards behind the device files in Dir.
type Bus struct {
	// Dir holds the fw* device files.
	Dir string
}

// NewBus returns a bus on /dev.
func NewBus() *Bus {
	return &Bus{Dir: "/dev"}
}

// nodeInfo is what GET_INFO reports for one device file.
type nodeInfo struct {
	path  string
	card  uint32
	reset busReset
}

func openNode(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

// getNodeInfo announces the client ABI and reads the card index and the current
// bus state of fd.
func getNodeInfo(fd int) (uint32, busReset, error) {
	var r busReset
	info := getInfo{
		Version:  abiVersion,
		BusReset: uint64(uintptr(unsafe.Pointer(&r))),
	}
	err := ioctl(fd, ioctlGetInfo, unsafe.Pointer(&info))
	runtime.KeepAlive(&r)
	if err != nil {
		return 0, r, fmt.Errorf("GET_INFO: %w", err)
	}
	return info.Card, r, nil
}

func (b *Bus) nodes() ([]nodeInfo, error) {
	paths, err := filepath.Glob(filepath.Join(b.Dir, "fw[0-9]*"))
	if err != nil {
		return nil, err
	}
	var nodes []nodeInfo
	for _, path := range paths {
		fd, err := openNode(path)
		if err != nil {
			glog.V(1).Infof("Skipping %s: %v", path, err)
			continue
		}
		card, reset, err := getNodeInfo(fd)
		unix.Close(fd)
		if err != nil {
			glog.V(1).Infof("Skipping %s: %v", path, err)
			continue
		}
		nodes = append(nodes, nodeInfo{path: path, card: card, reset: reset})
	}
	return nodes, nil
}

// cards returns the card indexes in ascending order with their nodes.
func (b *Bus) cards() ([]uint32, map[uint32][]nodeInfo, error) {
	nodes, err := b.nodes()
	if err != nil {
		return nil, nil, err
	}
	byCard := make(map[uint32][]nodeInfo)
	for _, n := range nodes {
		byCard[n.card] = append(byCard[n.card], n)
	}
	cards := make([]uint32, 0, len(byCard))
	for c := range byCard {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i] < cards[j] })
	return cards, byCard, nil
}

// Ports implements firewire.Bus. Every card has at least its own device
// file, so finding none means there is no FireWire subsystem to talk to.
func (b *Bus) Ports() (int, error) {
	cards, _, err := b.cards()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", firewire.ErrNoBus, err)
	}
	if len(cards) == 0 {
		return 0, fmt.Errorf("%w: no accessible %s/fw* device files", firewire.ErrNoBus, b.Dir)
	}
	return len(cards), nil
}

// OpenPort implements firewire.Bus. Ports are numbered in card order.
func (b *Bus) OpenPort(i int) (firewire.Port, error) {
	cards, byCard, err := b.cards()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(cards) {
		return nil, fmt.Errorf("%w: port %d of %d", firewire.ErrNoBus, i, len(cards))
	}
	p := &Port{card: cards[i], files: make(map[firewire.NodeID]*nodeFile), buf: make([]byte, eventBufferSize)}
	var failed = true
	defer func() {
		if failed {
			p.Close()
		}
	}()
	for _, n := range byCard[cards[i]] {
		fd, err := openNode(n.path)
		if err != nil {
			glog.Warningf("Card %d: skipping %s: %v", p.card, n.path, err)
			continue
		}
		p.all = append(p.all, &nodeFile{path: n.path, fd: fd})
	}
	if err := p.refresh(); err != nil {
		return nil, err
	}
	if _, ok := p.files[p.LocalNode()]; !ok {
		return nil, fmt.Errorf("card %d: local node %v has no device file", p.card, p.LocalNode())
	}
	failed = false
	glog.V(1).Infof("Opened card %d: %d nodes, generation %d", p.card, len(p.files), p.reset.Generation)
	return p, nil
}

type nodeFile struct {
	path string
	fd   int
	node firewire.NodeID
}

// Port is one card. Requests block until the response event arrives.
type Port struct {
	mu    sync.Mutex
	card  uint32
	all   []*nodeFile
	files map[firewire.NodeID]*nodeFile
	reset busReset
	// stale is set when a bus reset was seen and node ids must be re-read.
	stale   bool
	closure uint64
	buf     []byte
}

// refresh re-reads the node id behind every open device file.
func (p *Port) refresh() error {
	files := make(map[firewire.NodeID]*nodeFile)
	var live []*nodeFile
	for _, f := range p.all {
		_, r, err := getNodeInfo(f.fd)
		if err != nil {
			if errors.Is(err, unix.ENODEV) {
				glog.V(1).Infof("Card %d: %s left the bus", p.card, f.path)
				unix.Close(f.fd)
				continue
			}
			return err
		}
		f.node = firewire.NodeID(r.NodeID)
		files[f.node] = f
		live = append(live, f)
		if r.Generation >= p.reset.Generation {
			p.reset = r
		}
	}
	p.all = live
	p.files = files
	p.stale = false
	return nil
}

// Close implements firewire.Port.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, f := range p.all {
		if err := unix.Close(f.fd); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.path, err))
		}
	}
	p.all = nil
	p.files = nil
	return errors.Join(errs...)
}

// NodeCount implements firewire.Port. Physical ids are contiguous, so the
// highest id with a device file bounds the bus.
func (p *Port) NodeCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale {
		if err := p.refresh(); err != nil {
			return 0, err
		}
	}
	n := 0
	for id := range p.files {
		if id.Phy()+1 > n {
			n = id.Phy() + 1
		}
	}
	return n, nil
}

// LocalNode implements firewire.Port.
func (p *Port) LocalNode() firewire.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return firewire.NodeID(p.reset.LocalNodeID)
}

// IRMNode implements firewire.Port.
func (p *Port) IRMNode() (firewire.NodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	irm := firewire.NodeID(p.reset.IRMNodeID)
	if irm.Phy() == firewire.MaxNodes {
		return 0, fmt.Errorf("card %d: no isochronous resource manager on the bus", p.card)
	}
	return irm, nil
}

// Generation implements firewire.Port.
func (p *Port) Generation() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale {
		if err := p.refresh(); err != nil {
			glog.Warningf("Card %d: %v", p.card, err)
		}
	}
	return p.reset.Generation
}

// Read implements firewire.Port.
func (p *Port) Read(node firewire.NodeID, addr uint64, b []byte) error {
	tcode := uint32(tcodeReadBlock)
	if len(b) == 4 && addr%4 == 0 {
		tcode = tcodeReadQuadlet
	}
	data, err := p.request("read", node, tcode, addr, len(b), nil)
	if err != nil {
		return err
	}
	if len(data) != len(b) {
		return &firewire.TransportError{Op: "read", Node: node, Addr: addr,
			Err: fmt.Errorf("got %d bytes, want %d", len(data), len(b))}
	}
	copy(b, data)
	return nil
}

// Write implements firewire.Port.
func (p *Port) Write(node firewire.NodeID, addr uint64, b []byte) error {
	tcode := uint32(tcodeWriteBlock)
	if len(b) == 4 && addr%4 == 0 {
		tcode = tcodeWriteQuadlet
	}
	_, err := p.request("write", node, tcode, addr, len(b), b)
	return err
}

// CompareSwap implements firewire.Port.
func (p *Port) CompareSwap(node firewire.NodeID, addr uint64, arg, data uint32) (uint32, error) {
	var b [8]byte
	be.PutUint32(b[0:], arg)
	be.PutUint32(b[4:], data)
	old, err := p.request("lock", node, tcodeLockCAS, addr, len(b), b[:])
	if err != nil {
		return 0, err
	}
	if len(old) != 4 {
		return 0, &firewire.TransportError{Op: "lock", Node: node, Addr: addr,
			Err: fmt.Errorf("lock response is %d bytes, want 4", len(old))}
	}
	return be.Uint32(old), nil
}

// request sends one asynchronous transaction and waits for its response.
func (p *Port) request(op string, node firewire.NodeID, tcode uint32, addr uint64, length int, payload []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fail := func(transient bool, err error) error {
		return &firewire.TransportError{Op: op, Node: node, Addr: addr, Transient: transient, Err: err}
	}
	if p.files == nil {
		return nil, fail(false, errors.New("port closed"))
	}
	if p.stale {
		if err := p.refresh(); err != nil {
			return nil, fail(false, err)
		}
	}
	f, ok := p.files[node]
	if !ok {
		return nil, fail(false, fmt.Errorf("card %d has no device file for node %v", p.card, node))
	}

	p.closure++
	req := sendRequest{
		Tcode:      tcode,
		Length:     uint32(length),
		Offset:     addr,
		Closure:    p.closure,
		Generation: p.reset.Generation,
	}
	if len(payload) > 0 {
		req.Data = uint64(uintptr(unsafe.Pointer(&payload[0])))
	}
	err := ioctl(f.fd, ioctlSendRequest, unsafe.Pointer(&req))
	runtime.KeepAlive(payload)
	if err != nil {
		return nil, fail(errors.Is(err, unix.EAGAIN), fmt.Errorf("SEND_REQUEST: %w", err))
	}

	for {
		ev, err := readEvent(f.fd, p.buf)
		if err != nil {
			return nil, fail(false, err)
		}
		typ, err := eventType(ev)
		if err != nil {
			return nil, fail(false, err)
		}
		switch typ {
		case eventBusReset:
			r, err := parseBusReset(ev)
			if err != nil {
				return nil, fail(false, err)
			}
			glog.V(1).Infof("Card %d: bus reset, generation %d -> %d", p.card, p.reset.Generation, r.Generation)
			p.stale = true
		case eventResponse:
			r, err := parseResponse(ev)
			if err != nil {
				return nil, fail(false, err)
			}
			if r.closure != p.closure {
				glog.V(2).Infof("Card %d: dropping stale response %d", p.card, r.closure)
				continue
			}
			if r.rcode != rcodeComplete {
				rc := rcodeError(r.rcode)
				return nil, fail(rc.transient(), rc)
			}
			return append([]byte(nil), r.data...), nil
		default:
			glog.V(2).Infof("Card %d: ignoring event type %d on %s", p.card, typ, f.path)
		}
	}
}

func readEvent(fd int, buf []byte) ([]byte, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		return buf[:n], nil
	}
}

// OpenIsoReceive implements firewire.Port.
func (p *Port) OpenIsoReceive(channel, packetSize int, h firewire.RecvHandler) (firewire.IsoStream, error) {
	s, err := p.openIso(isoContextReceive, channel, packetSize)
	if err != nil {
		return nil, err
	}
	s.recv = h
	return s, nil
}

// OpenIsoTransmit implements firewire.Port.
func (p *Port) OpenIsoTransmit(channel, packetSize int, h firewire.XmitHandler) (firewire.IsoStream, error) {
	s, err := p.openIso(isoContextTransmit, channel, packetSize)
	if err != nil {
		return nil, err
	}
	s.xmit = h
	return s, nil
}

// openIso opens a private file on the local node for the context, so that
// its events never interleave with request responses.
func (p *Port) openIso(typ uint32, channel, packetSize int) (*isoStream, error) {
	local := p.LocalNode()
	p.mu.Lock()
	f, ok := p.files[local]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("card %d: local node has no device file", p.card)
	}
	fd, err := openNode(f.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.path, err)
	}
	if _, _, err := getNodeInfo(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s, err := newIsoStream(fd, typ, channel, packetSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}
