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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/phantom-drivers/go-phantom/firewire"
)

// newTestBus returns two cards. Card 0 carries PHANTOM 11 and two nodes
// that must be skipped, card 1 carries PHANTOM 22.
func newTestBus() *stubBus {
	badVendorReg := newPhantomNode(98)
	badVendorReg.put(addrVendorCheck, []byte{0, 0, 0, 0})
	badROM := newPhantomNode(33)
	badROM.putQuadlets(firewire.ConfigROMBase+4, 0x12345678)

	return &stubBus{
		ports: []*stubPort{
			newStubPort(newCardNode(), newPhantomNode(11), badVendorReg, badROM),
			newStubPort(newCardNode(), newPhantomNode(22)),
		},
		openErr: map[int]error{},
	}
}

func scanAll(t *testing.T, s *Scanner) []Location {
	t.Helper()
	it := s.Scan()
	defer it.Close()
	var locs []Location
	for it.Next() {
		locs = append(locs, it.Candidate().Location())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return locs
}

func TestScanOrder(t *testing.T) {
	tests := []struct {
		desc  string
		setup func(b *stubBus)
		want  []Location
	}{
		{desc: "PHANTOMs in port then node order",
			setup: func(*stubBus) {},
			want: []Location{
				{Port: 0, Node: firewire.LocalNode(1)},
				{Port: 1, Node: firewire.LocalNode(1)},
			}},
		{desc: "Port that fails to open is skipped",
			setup: func(b *stubBus) { b.openErr[0] = errors.New("permission denied") },
			want:  []Location{{Port: 1, Node: firewire.LocalNode(1)}}},
		{desc: "No ports",
			setup: func(b *stubBus) { b.ports = nil }},
	}

	for _, tc := range tests {
		t.Logf("Start case: %s", tc.desc)
		b := newTestBus()
		tc.setup(b)
		got := scanAll(t, NewScanner(b, NewRegistry(), testOptions()))
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Scan (-want +got):\n%s", diff)
		}
		for i, p := range b.ports {
			if !p.closed && b.openErr[i] == nil {
				t.Errorf("Port %d left open after the scan", i)
			}
		}
	}
}

func TestScanNoBus(t *testing.T) {
	b := newTestBus()
	b.portsErr = errors.New("no /dev/fw* nodes")
	s := NewScanner(b, NewRegistry(), testOptions())

	it := s.Scan()
	defer it.Close()
	if it.Next() {
		t.Errorf("Next() = true without a bus")
	}
	if err := it.Err(); !errors.Is(err, firewire.ErrNoBus) {
		t.Errorf("Err() = %v, want %v", err, firewire.ErrNoBus)
	}
	if _, err := s.FindBySerial(11); !errors.Is(err, firewire.ErrNoBus) {
		t.Errorf("FindBySerial() = %v, want %v", err, firewire.ErrNoBus)
	}
}

func TestScanSkipsOpenDevices(t *testing.T) {
	s := NewScanner(newTestBus(), NewRegistry(), testOptions())
	d, err := s.Find()
	if err != nil {
		t.Fatalf("Find() = %v", err)
	}
	defer d.Close()

	want := []Location{{Port: 1, Node: firewire.LocalNode(1)}}
	if diff := cmp.Diff(want, scanAll(t, s)); diff != "" {
		t.Errorf("Scan (-want +got):\n%s", diff)
	}
}

func TestOpenTwice(t *testing.T) {
	b := newTestBus()
	s := NewScanner(b, NewRegistry(), testOptions())
	it := s.Scan()
	if !it.Next() {
		t.Fatalf("Next() = false, err %v", it.Err())
	}
	c := it.Candidate()

	d, err := s.Open(c)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if _, err := s.Open(c); !errors.Is(err, ErrAlreadyInUse) {
		t.Errorf("Second Open() = %v, want %v", err, ErrAlreadyInUse)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	d, err = s.Open(c)
	if err != nil {
		t.Fatalf("Open() after Close = %v", err)
	}

	it.Close()
	if b.ports[0].closed {
		t.Errorf("Port closed while a device holds it")
	}
	d.Close()
	if !b.ports[0].closed {
		t.Errorf("Port left open after the last device closed")
	}
}

func TestFindBySerial(t *testing.T) {
	b := newTestBus()
	r := NewRegistry()
	s := NewScanner(b, r, testOptions())

	d22, err := s.FindBySerial(22)
	if err != nil {
		t.Fatalf("FindBySerial(22) = %v", err)
	}
	if got, want := d22.Location(), (Location{Port: 1, Node: firewire.LocalNode(1)}); got != want {
		t.Errorf("Location() = %v, want %v", got, want)
	}
	if sn, err := d22.Serial(); err != nil || sn != 22 {
		t.Errorf("Serial() = %d, %v, want 22", sn, err)
	}

	again, err := s.FindBySerial(22)
	if err != nil || again != d22 {
		t.Errorf("FindBySerial(22) again = %p, %v, want the open device %p", again, err, d22)
	}

	// The node with a broken config ROM is never a candidate.
	if _, err := s.FindBySerial(33); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindBySerial(33) = %v, want %v", err, ErrNotFound)
	}

	d11, err := s.Find()
	if err != nil {
		t.Fatalf("Find() = %v", err)
	}
	if sn, _ := d11.Serial(); sn != 11 {
		t.Errorf("Find() opened serial %d, want 11", sn)
	}
	if _, err := s.Find(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find() with every device open = %v, want %v", err, ErrNotFound)
	}

	var got []Location
	for _, d := range r.Devices() {
		got = append(got, d.Location())
	}
	want := []Location{
		{Port: 0, Node: firewire.LocalNode(1)},
		{Port: 1, Node: firewire.LocalNode(1)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Registry devices (-want +got):\n%s", diff)
	}

	d22.Close()
	d, err := s.Find()
	if err != nil || d.Location() != d22.Location() {
		t.Errorf("Find() after Close = %v, %v, want %v", d, err, d22.Location())
	}
	d.Close()
	d11.Close()
	if len(r.Devices()) != 0 {
		t.Errorf("Registry not empty after closing every device")
	}
}

func TestFindBySerialFindsDeviceOpenedWithoutSerial(t *testing.T) {
	b := newTestBus()
	s := NewScanner(b, NewRegistry(), testOptions())
	it := s.Scan()
	var c *Candidate
	for it.Next() {
		if it.Candidate().Location().Port == 1 {
			c = it.Candidate()
			break
		}
	}
	if c == nil {
		it.Close()
		t.Fatalf("No candidate on port 1, err %v", it.Err())
	}
	d, err := s.Open(c)
	it.Close()
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer d.Close()

	got, err := s.FindBySerial(22)
	if err != nil || got != d {
		t.Errorf("FindBySerial(22) = %p, %v, want the open device %p", got, err, d)
	}
}

func TestCandidateConfigROM(t *testing.T) {
	s := NewScanner(newTestBus(), NewRegistry(), testOptions())
	it := s.Scan()
	defer it.Close()
	if !it.Next() {
		t.Fatalf("Next() = false, err %v", it.Err())
	}
	rom, err := it.Candidate().ConfigROM()
	if err != nil {
		t.Fatalf("ConfigROM() = %v", err)
	}
	if rom.VendorID != SensAbleVendorID {
		t.Errorf("VendorID = 0x%06x, want 0x%06x", rom.VendorID, SensAbleVendorID)
	}
}
