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
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/golang/glog"

	"github.com/phantom-drivers/go-phantom/firewire"
)

const noChannel = -1

// Stats counts per-session cycle events.
type Stats struct {
	Cycles uint64
	// Dropped is the number of packets the transport reported lost.
	Dropped uint64
	// DecodeErrors counts received packets that were not valid frames.
	DecodeErrors uint64
	// Overflows counts frames evicted from a full backlog or force queue.
	Overflows uint64
}

// Session streams one direction of one device on one isochronous channel.
// All methods must be called from the goroutine that drives Iterate.
type Session struct {
	port  firewire.Port
	node  firewire.NodeID
	dir   Direction
	alloc *firewire.ChannelAllocator
	opts  Options
	// lastActive reports whether no other session of the device is running.
	lastActive func(*Session) bool

	channel int
	hs      *handshake
	stream  firewire.IsoStream
	running bool
	closed  bool
	stats   Stats

	// Receive.
	latest     TelemetryFrame
	haveLatest bool
	backlog    *queue.Queue
	staleFor   int

	// Transmit.
	current ForceFrame
	pending *queue.Queue
}

func newSession(p firewire.Port, node firewire.NodeID, dir Direction, opts Options) *Session {
	s := &Session{
		port:       p,
		node:       node,
		dir:        dir,
		alloc:      firewire.NewChannelAllocator(p),
		opts:       opts,
		lastActive: func(*Session) bool { return true },
		channel:    noChannel,
		current:    NeutralForceFrame(),
	}
	if dir == Receive {
		s.backlog = queue.New(int64(opts.Backlog))
	} else {
		s.pending = queue.New(int64(opts.Backlog))
	}
	return s
}

// Direction returns the data direction of s.
func (s *Session) Direction() Direction {
	return s.dir
}

// Channel returns the claimed isochronous channel, or -1.
func (s *Session) Channel() int {
	return s.channel
}

// Running reports whether s is streaming.
func (s *Session) Running() bool {
	return s.running
}

// Stats returns the cycle counters of s.
func (s *Session) Stats() Stats {
	return s.stats
}

// claimChannel claims the lowest free channel. When another node wins the
// race for it, the next free channel is tried.
func (s *Session) claimChannel() error {
	attempts := s.opts.ClaimAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var ch int
		if ch, err = s.alloc.FindFree(); err != nil {
			return err
		}
		if err = s.alloc.Claim(ch); err == nil {
			s.channel = ch
			return nil
		}
		if !errors.Is(err, firewire.ErrAlreadyInUse) {
			return err
		}
		glog.Warningf("Node %v: lost race for channel %d (attempt %d/%d)", s.node, ch, i+1, attempts)
	}
	return err
}

func (s *Session) releaseChannel() error {
	if s.channel == noChannel {
		return nil
	}
	ch := s.channel
	s.channel = noChannel
	if err := s.alloc.Release(ch); err != nil {
		return fmt.Errorf("release channel %d: %w", ch, err)
	}
	return nil
}

// Start claims a channel, runs the device handshake and starts the stream.
// On failure everything acquired so far is released.
func (s *Session) Start() error {
	if s.closed {
		return ErrClosed
	}
	if s.running {
		return fmt.Errorf("%w: %v session on channel %d", ErrAlreadyStarted, s.dir, s.channel)
	}

	var failed = true
	defer func() {
		if failed {
			s.teardown()
		}
	}()

	if err := s.claimChannel(); err != nil {
		return fmt.Errorf("%v session: %w", s.dir, err)
	}
	s.hs = &handshake{port: s.port, node: s.node, dir: s.dir, channel: s.channel, retry: s.opts.retry()}
	if err := s.hs.enable(); err != nil {
		return fmt.Errorf("%v session on channel %d: %w", s.dir, s.channel, err)
	}

	var err error
	if s.dir == Receive {
		s.stream, err = s.port.OpenIsoReceive(s.channel, recvPacketSize, s.receive)
	} else {
		s.stream, err = s.port.OpenIsoTransmit(s.channel, xmitPacketSize, s.transmit)
	}
	if err != nil {
		return fmt.Errorf("%v session: open iso stream on channel %d: %w", s.dir, s.channel, err)
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("%v session: start iso stream on channel %d: %w", s.dir, s.channel, err)
	}
	s.hs.state = stateStreaming
	s.running = true
	failed = false
	glog.Infof("Node %v: %v streaming on channel %d", s.node, s.dir, s.channel)
	return nil
}

// teardown undoes a partial Start.
func (s *Session) teardown() {
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	if s.hs != nil {
		if err := s.hs.disable(s.lastActive(s)); err != nil {
			glog.Warningf("Node %v: %v handshake rollback: %v", s.node, s.dir, err)
		}
	}
	if err := s.releaseChannel(); err != nil {
		glog.Warningf("Node %v: %v", s.node, err)
	}
}

// Stop verifies the device state, disables streaming, stops the transport
// and releases the channel, in that order. Stopping a stopped session is a
// no-op. The channel is released even when an earlier step fails.
func (s *Session) Stop() error {
	if !s.running {
		return nil
	}
	s.running = false

	var errs []error
	if err := s.hs.disable(s.lastActive(s)); err != nil {
		errs = append(errs, err)
	}
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop iso stream: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close iso stream: %w", err))
	}
	s.stream = nil
	if err := s.releaseChannel(); err != nil {
		errs = append(errs, err)
	}
	glog.Infof("Node %v: %v stopped", s.node, s.dir)
	if len(errs) > 0 {
		return fmt.Errorf("%v session: %w", s.dir, errors.Join(errs...))
	}
	return nil
}

// Close stops s and frees its queues. A closed session cannot be restarted.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	err := s.Stop()
	s.closed = true
	if s.backlog != nil {
		s.backlog.Dispose()
	}
	if s.pending != nil {
		s.pending.Dispose()
	}
	return err
}

// Iterate pumps one batch of isochronous events; frame handlers run inside
// it. A failed iteration leaves the session running.
func (s *Session) Iterate() error {
	if !s.running {
		return fmt.Errorf("%w: %v session", ErrNotStarted, s.dir)
	}
	if err := s.stream.Iterate(); err != nil {
		return fmt.Errorf("%v session on channel %d: %w", s.dir, s.channel, err)
	}
	return nil
}

func dumpLen(n int) int {
	if n > 32 {
		return 32
	}
	return n
}

// receive is the telemetry handler. Invalid packets only drop their cycle.
func (s *Session) receive(data []byte, cycle uint32, dropped uint32) error {
	s.stats.Cycles++
	s.stats.Dropped += uint64(dropped)
	if glog.V(2) {
		glog.Infof("[ISO-RX] channel %d cycle %d: %d bytes. data:[:%d]\n%s", s.channel, cycle, len(data), dumpLen(len(data)), hex.Dump(data[:dumpLen(len(data))]))
	}
	f, err := DecodeTelemetry(data)
	if err != nil {
		s.stats.DecodeErrors++
		glog.V(1).Infof("Channel %d cycle %d: %v", s.channel, cycle, err)
		return nil
	}

	if s.haveLatest && f.Count0 == s.latest.Count0 {
		s.staleFor++
	} else {
		s.staleFor = 0
	}
	s.latest = f
	s.haveLatest = true

	if s.opts.Backlog > 0 {
		if s.backlog.Len() >= int64(s.opts.Backlog) {
			s.backlog.Get(1)
			s.stats.Overflows++
		}
		if err := s.backlog.Put(f); err != nil {
			return err
		}
	}
	if s.opts.OnTelemetry != nil {
		s.opts.OnTelemetry(f)
	}
	return nil
}

// transmit is the force handler. Queued frames are sent one per cycle; the
// last frame repeats while the queue is empty.
func (s *Session) transmit(buf []byte, cycle uint32) (int, error) {
	s.stats.Cycles++
	if s.pending.Len() > 0 {
		items, err := s.pending.Get(1)
		if err != nil {
			return 0, err
		}
		s.current = items[0].(ForceFrame)
	}
	n, err := s.current.encodeInto(buf)
	if err != nil {
		return 0, err
	}
	if glog.V(2) {
		glog.Infof("[ISO-TX] channel %d cycle %d: %d bytes.\n%s", s.channel, cycle, n, hex.Dump(buf[:n]))
	}
	return n, nil
}

// Telemetry returns the most recent frame and whether one was received.
func (s *Session) Telemetry() (TelemetryFrame, bool) {
	return s.latest, s.haveLatest
}

// Stale reports whether the device counter stopped advancing.
func (s *Session) Stale() bool {
	return s.opts.StaleCycles > 0 && s.staleFor >= s.opts.StaleCycles
}

// Frames drains the telemetry backlog, oldest first.
func (s *Session) Frames() []TelemetryFrame {
	if s.backlog == nil || s.backlog.Disposed() {
		return nil
	}
	n := s.backlog.Len()
	if n == 0 {
		return nil
	}
	items, err := s.backlog.Get(n)
	if err != nil {
		return nil
	}
	frames := make([]TelemetryFrame, 0, len(items))
	for _, it := range items {
		frames = append(frames, it.(TelemetryFrame))
	}
	return frames
}

// SetForce replaces the force frame sent every cycle and drops queued ones.
func (s *Session) SetForce(f ForceFrame) error {
	if s.dir != Transmit {
		return fmt.Errorf("SetForce on %v session", s.dir)
	}
	if n := s.pending.Len(); n > 0 {
		s.pending.Get(n)
	}
	s.current = f
	return nil
}

// QueueForce appends f to the frames sent on the following cycles. At most
// Options.Backlog frames wait; the oldest is dropped when the queue is full.
func (s *Session) QueueForce(f ForceFrame) error {
	if s.dir != Transmit {
		return fmt.Errorf("QueueForce on %v session", s.dir)
	}
	if s.opts.Backlog > 0 && s.pending.Len() >= int64(s.opts.Backlog) {
		s.pending.Get(1)
		s.stats.Overflows++
	}
	return s.pending.Put(f)
}

// Force returns the frame sent while no queued frame is pending.
func (s *Session) Force() ForceFrame {
	return s.current
}
