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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// omniTelemetry mimics a packet from an idle, docked PHANTOM Omni.
var omniTelemetry = []byte{
	0x00, 0x00, 0x1e, 0x00, // unknown0, unknown1
	0x34, 0x12, 0x78, 0x56, 0xbc, 0x9a, // encoders
	0x3f, 0x80, 0x20, 0x40, 0xff, 0xff, // gimbal
	0x00, 0x00, // unknown8
	0x00, 0xfb, // unknown9a, status: button1 up, button2 up, docked
	0x07, 0x10, // unknown10
	0xc0, 0x7f, 0xc0, 0xbf, 0x00, 0x00, // gimbal inverse
	0x46, 0x57, 0x00, 0x00, // unknown14, unknown15
	0x04, 0x03, 0x02, 0x01, // count0
	0x00, 0x00, 0x00, 0x00, // unknown18, unknown19
	0x81, 0x80, 0x00, 0x00, // count1, unknown21
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // padding
}

func TestDecodeTelemetry(t *testing.T) {
	got, err := DecodeTelemetry(omniTelemetry)
	if err != nil {
		t.Fatalf("DecodeTelemetry() = _, %v, want nil error", err)
	}
	want := TelemetryFrame{
		Encoder:       [3]uint16{0x1234, 0x5678, 0x9abc},
		Gimbal:        Gimbal{X: 0x401, Y: 0x201, Z: 0x7ff},
		GimbalInverse: Gimbal{X: 0x3fe, Y: 0x5fe, Z: 0},
		Status:        0xfb,
		Count0:        0x01020304,
		Count1:        0x8081,
		Reserved:      [9]uint16{0, 0x1e, 0, 0x1007, 0x5746, 0, 0, 0, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeTelemetry() diff -want +got\n%s", diff)
	}
	if got.Status.Button1() || got.Status.Button2() {
		t.Errorf("Status %v: buttons pressed, want released", got.Status)
	}
	if !got.Status.Docked() {
		t.Errorf("Status %v: not docked, want docked", got.Status)
	}
}

func TestTelemetryStatusBits(t *testing.T) {
	tests := []struct {
		desc                      string
		status                    TelemetryStatus
		button1, button2, station bool
	}{
		{desc: "Button 1 pressed", status: 0xfe, button1: true},
		{desc: "Button 2 pressed", status: 0xfd, button2: true},
		{desc: "Docked", status: 0xfb, station: true},
		{desc: "Everything active", status: 0xf8, button1: true, button2: true, station: true},
		{desc: "Nothing active", status: 0xff},
	}
	for _, test := range tests {
		t.Logf("Start case: %s", test.desc)
		p := make([]byte, TelemetryFrameSize)
		p[offStatus] = byte(test.status)
		f, err := DecodeTelemetry(p)
		if err != nil {
			t.Fatalf("DecodeTelemetry() = _, %v, want nil error", err)
		}
		if got := f.Status.Button1(); got != test.button1 {
			t.Errorf("Button1() = %v, want %v", got, test.button1)
		}
		if got := f.Status.Button2(); got != test.button2 {
			t.Errorf("Button2() = %v, want %v", got, test.button2)
		}
		if got := f.Status.Docked(); got != test.station {
			t.Errorf("Docked() = %v, want %v", got, test.station)
		}
	}
}

func TestDecodeTelemetryRejectsShortPackets(t *testing.T) {
	for _, n := range []int{0, 1, 32, TelemetryFrameSize - 1} {
		if _, err := DecodeTelemetry(make([]byte, n)); !errors.Is(err, ErrShortFrame) {
			t.Errorf("DecodeTelemetry(%d bytes) = _, %v, want ErrShortFrame", n, err)
		}
	}
}

func TestTelemetryRoundTrip(t *testing.T) {
	want := TelemetryFrame{
		Encoder:       [3]uint16{1, 0x8000, 0xffff},
		Gimbal:        Gimbal{X: 0, Y: 1024, Z: 2047},
		GimbalInverse: Gimbal{X: 2047, Y: 1023, Z: 0},
		Status:        0xfe,
		Count0:        0xdeadbeef,
		Count1:        7,
		Reserved:      [9]uint16{0, 0x1e, 1, 0x1007, 0x5746, 2, 3, 4, 5},
		StatusExtra:   0x11,
	}
	p, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() = _, %v, want nil error", err)
	}
	if len(p) != TelemetryFrameSize {
		t.Errorf("len(MarshalBinary()) = %d, want %d", len(p), TelemetryFrameSize)
	}
	var got TelemetryFrame
	if err := got.UnmarshalBinary(p); err != nil {
		t.Fatalf("UnmarshalBinary() = %v, want nil error", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("telemetry round trip diff -want +got\n%s", diff)
	}
	// Low five bits of every gimbal word are dropped.
	if p[offGimbal]&0x1f != 0 || p[offGimbalInv]&0x1f != 0 {
		t.Errorf("gimbal unused bits set: % x", p[offGimbal:offGimbal+6])
	}
}

func TestGimbalRoundTripAllValues(t *testing.T) {
	for v := uint16(0); v <= gimbalMask; v++ {
		in := TelemetryFrame{
			Gimbal:        Gimbal{X: v, Y: gimbalMask - v, Z: v},
			GimbalInverse: Gimbal{X: gimbalMask - v, Y: v, Z: gimbalMask - v},
		}
		p, err := in.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary() gimbal %d = _, %v, want nil error", v, err)
		}
		out, err := DecodeTelemetry(p)
		if err != nil {
			t.Fatalf("DecodeTelemetry() gimbal %d = _, %v, want nil error", v, err)
		}
		if out.Gimbal != in.Gimbal || out.GimbalInverse != in.GimbalInverse {
			t.Errorf("gimbal %d round trip = %+v/%+v, want %+v/%+v", v, out.Gimbal, out.GimbalInverse, in.Gimbal, in.GimbalInverse)
		}
	}
}

func TestNeutralForceFrameEncoding(t *testing.T) {
	p, err := NeutralForceFrame().MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() = _, %v, want nil error", err)
	}
	// Quadlets 0x07ff07ff, 0x53c007ff, 0, 0 on a little-endian host.
	want := []byte{0xff, 0x07, 0xff, 0x07, 0xff, 0x07, 0xc0, 0x53, 0, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(p, want) {
		t.Errorf("NeutralForceFrame().MarshalBinary() = % x, want % x", p, want)
	}
	if NeutralForceFrame().Status&MotorsOn != 0 {
		t.Errorf("neutral frame has motors on")
	}
}

func TestForceFrameRoundTrip(t *testing.T) {
	tests := []struct {
		desc  string
		frame ForceFrame
	}{
		{desc: "Neutral", frame: NeutralForceFrame()},
		{desc: "X force with motors on and dock light",
			frame: ForceFrame{X: 0x550, Y: ForceNeutral, Z: ForceNeutral, Status: neutralStatus | MotorsOn | DockLightFlash}},
		{desc: "Negative values", frame: ForceFrame{X: -1, Y: -32768, Z: 32767}},
	}
	for _, test := range tests {
		t.Logf("Start case: %s", test.desc)
		p, err := test.frame.AppendBinary([]byte{0xaa})
		if err != nil {
			t.Fatalf("AppendBinary() = _, %v, want nil error", err)
		}
		if len(p) != 1+ForceFrameSize {
			t.Fatalf("len(AppendBinary()) = %d, want %d", len(p), 1+ForceFrameSize)
		}
		if !bytes.Equal(p[9:], make([]byte, 8)) {
			t.Errorf("reserved quadlets = % x, want zeros", p[9:])
		}
		got, err := DecodeForce(p[1:])
		if err != nil {
			t.Fatalf("DecodeForce() = _, %v, want nil error", err)
		}
		if diff := cmp.Diff(test.frame, got); diff != "" {
			t.Errorf("force round trip diff -want +got\n%s", diff)
		}
	}
}

func TestForceStatusSet(t *testing.T) {
	s := neutralStatus.Set(MotorsOn, true).Set(DockLightFlash, true)
	if s != neutralStatus|MotorsOn|DockLightFlash {
		t.Errorf("Set() = %04x, want %04x", uint16(s), uint16(neutralStatus|MotorsOn|DockLightFlash))
	}
	if s = s.Set(MotorsOn, false); s&MotorsOn != 0 {
		t.Errorf("Set(MotorsOn, false) = %04x, motors still on", uint16(s))
	}
}

func TestEncodeIntoRejectsShortBuffer(t *testing.T) {
	if _, err := NeutralForceFrame().encodeInto(make([]byte, ForceFrameSize-1)); !errors.Is(err, ErrShortFrame) {
		t.Errorf("encodeInto(15 bytes) = _, %v, want ErrShortFrame", err)
	}
}
