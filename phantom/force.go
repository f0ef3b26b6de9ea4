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

// ForceFrameSize is the size of a force command packet.
const ForceFrameSize = 16

// ForceNeutral is the motor command for zero force on an axis.
const ForceNeutral = 0x7ff

// ForceStatus is the status word of a force frame.
// Based on struct PhantomDataWrite.
type ForceStatus uint16

const (
	// DockLightFlash flashes the dock light. Together with DockLightFastFlash
	// the light stays on.
	DockLightFlash ForceStatus = 1 << 0
	// DockLightFastFlash flashes the dock light quickly.
	DockLightFastFlash ForceStatus = 1 << 1
	// MotorsOn applies the commanded forces.
	MotorsOn ForceStatus = 1 << 3

	// Status observed in every omni.c trace while idle.
	neutralStatus ForceStatus = 0x53c0
)

// Set returns s with bits set or cleared.
func (s ForceStatus) Set(bits ForceStatus, on bool) ForceStatus {
	if on {
		return s | bits
	}
	return s &^ bits
}

// ForceFrame is one cycle of motor commands.
type ForceFrame struct {
	X, Y, Z int16
	Status  ForceStatus
}

// NeutralForceFrame returns the frame a device is fed until the application
// sets forces: neutral on all axes, motors off.
// Based on init_force_data() in omni.c.
func NeutralForceFrame() ForceFrame {
	return ForceFrame{X: ForceNeutral, Y: ForceNeutral, Z: ForceNeutral, Status: neutralStatus}
}

// AppendBinary appends the wire encoding of f to p. The trailing reserved
// quadlets are always zero.
func (f ForceFrame) AppendBinary(p []byte) ([]byte, error) {
	var b [ForceFrameSize]byte
	if _, err := f.encodeInto(b[:]); err != nil {
		return p, err
	}
	return append(p, b[:]...), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f ForceFrame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, ForceFrameSize))
}

// encodeInto writes f into p, which must hold ForceFrameSize bytes.
func (f ForceFrame) encodeInto(p []byte) (int, error) {
	if len(p) < ForceFrameSize {
		return 0, fmt.Errorf("%w: force buffer is %d bytes, want >= %d", ErrShortFrame, len(p), ForceFrameSize)
	}
	le.PutUint16(p[0:], uint16(f.X))
	le.PutUint16(p[2:], uint16(f.Y))
	le.PutUint16(p[4:], uint16(f.Z))
	le.PutUint16(p[6:], uint16(f.Status))
	le.PutUint32(p[8:], 0)
	le.PutUint32(p[12:], 0)
	return ForceFrameSize, nil
}

// DecodeForce decodes a force frame.
func DecodeForce(p []byte) (ForceFrame, error) {
	if len(p) < ForceFrameSize {
		return ForceFrame{}, fmt.Errorf("%w: force packet is %d bytes, want %d", ErrShortFrame, len(p), ForceFrameSize)
	}
	return ForceFrame{
		X:      int16(le.Uint16(p[0:])),
		Y:      int16(le.Uint16(p[2:])),
		Z:      int16(le.Uint16(p[4:])),
		Status: ForceStatus(le.Uint16(p[6:])),
	}, nil
}
