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
	"fmt"
)

// TelemetryFrameSize is the number of meaningful bytes in a telemetry packet.
// The device pads packets with zeros after it.
const TelemetryFrameSize = 44

// Telemetry frame layout. Multi-byte fields are little-endian.
// Based on struct PhantomDataRead.
const (
	offEncoder     = 4  // 3 x u16
	offGimbal      = 10 // 3 x u16, value in the upper 11 bits
	offAux         = 16
	offStatusExtra = 18
	offStatus      = 19
	offMarker      = 20
	offGimbalInv   = 22 // 3 x u16
	offTrailer     = 28
	offCount0      = 32 // u32
	offTail        = 36
	offCount1      = 40
	offTail2       = 42

	gimbalShift = 5
	gimbalMask  = 0x7ff
)

// Offsets of the reserved 16 bit words, in TelemetryFrame.Reserved order.
var reservedOffsets = [...]int{0, 2, offAux, offMarker, offTrailer, offTrailer + 2, offTail, offTail + 2, offTail2}

// Status bits, active low.
const (
	statusButton1 = 1 << 0
	statusButton2 = 1 << 1
	statusDocked  = 1 << 2
)

// Gimbal holds the three 11 bit gimbal angles.
type Gimbal struct {
	X, Y, Z uint16
}

// TelemetryStatus is the raw status byte of a telemetry frame.
type TelemetryStatus uint8

// Button1 reports whether the first stylus button is pressed.
func (s TelemetryStatus) Button1() bool { return s&statusButton1 == 0 }

// Button2 reports whether the second stylus button is pressed.
func (s TelemetryStatus) Button2() bool { return s&statusButton2 == 0 }

// Docked reports whether the stylus sits in the inkwell.
func (s TelemetryStatus) Docked() bool { return s&statusDocked == 0 }

func (s TelemetryStatus) String() string {
	return fmt.Sprintf("button1=%v button2=%v docked=%v", s.Button1(), s.Button2(), s.Docked())
}

// TelemetryFrame is one cycle of device state.
type TelemetryFrame struct {
	Encoder       [3]uint16
	Gimbal        Gimbal
	GimbalInverse Gimbal
	Status        TelemetryStatus
	// Count0 increments once per packet, even without a host listening.
	Count0 uint32
	// Count1 counts at roughly half the rate of Count0.
	Count1 uint16

	// Fields whose meaning is unknown, kept so frames re-encode unchanged.
	Reserved    [9]uint16
	StatusExtra uint8
}

func decodeGimbal(p []byte) Gimbal {
	return Gimbal{
		X: le.Uint16(p[0:]) >> gimbalShift,
		Y: le.Uint16(p[2:]) >> gimbalShift,
		Z: le.Uint16(p[4:]) >> gimbalShift,
	}
}

func encodeGimbal(p []byte, g Gimbal) {
	le.PutUint16(p[0:], (g.X&gimbalMask)<<gimbalShift)
	le.PutUint16(p[2:], (g.Y&gimbalMask)<<gimbalShift)
	le.PutUint16(p[4:], (g.Z&gimbalMask)<<gimbalShift)
}

// DecodeTelemetry decodes a received packet. Packets shorter than
// TelemetryFrameSize are rejected; trailing padding is ignored.
func DecodeTelemetry(p []byte) (TelemetryFrame, error) {
	var f TelemetryFrame
	if len(p) < TelemetryFrameSize {
		return f, fmt.Errorf("%w: telemetry packet is %d bytes, want >= %d", ErrShortFrame, len(p), TelemetryFrameSize)
	}
	for i := range f.Encoder {
		f.Encoder[i] = le.Uint16(p[offEncoder+2*i:])
	}
	f.Gimbal = decodeGimbal(p[offGimbal:])
	f.GimbalInverse = decodeGimbal(p[offGimbalInv:])
	f.Status = TelemetryStatus(p[offStatus])
	f.StatusExtra = p[offStatusExtra]
	f.Count0 = le.Uint32(p[offCount0:])
	f.Count1 = le.Uint16(p[offCount1:])
	for i, off := range reservedOffsets {
		f.Reserved[i] = le.Uint16(p[off:])
	}
	return f, nil
}

// MarshalBinary encodes f in the device wire format. The unused low bits of
// the gimbal words are written as zero.
func (f TelemetryFrame) MarshalBinary() ([]byte, error) {
	p := make([]byte, TelemetryFrameSize)
	for i, e := range f.Encoder {
		le.PutUint16(p[offEncoder+2*i:], e)
	}
	encodeGimbal(p[offGimbal:], f.Gimbal)
	encodeGimbal(p[offGimbalInv:], f.GimbalInverse)
	p[offStatus] = byte(f.Status)
	p[offStatusExtra] = f.StatusExtra
	le.PutUint32(p[offCount0:], f.Count0)
	le.PutUint16(p[offCount1:], f.Count1)
	for i, off := range reservedOffsets {
		le.PutUint16(p[off:], f.Reserved[i])
	}
	return p, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *TelemetryFrame) UnmarshalBinary(p []byte) error {
	d, err := DecodeTelemetry(p)
	if err != nil {
		return err
	}
	*f = d
	return nil
}
