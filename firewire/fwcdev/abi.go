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
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ABI version announced in GET_INFO. Version 4 keeps the classic response
// and iso interrupt event layouts.
const abiVersion = 4

// ioctl numbers from <linux/firewire-cdev.h>, '#' magic.
const (
	ioctlGetInfo          = 0xc0282300 // _IOWR('#', 0x00, struct fw_cdev_get_info)
	ioctlSendRequest      = 0x40282301 // _IOW('#', 0x01, struct fw_cdev_send_request)
	ioctlCreateIsoContext = 0xc0202308 // _IOWR('#', 0x08, struct fw_cdev_create_iso_context)
	ioctlQueueIso         = 0xc0182309 // _IOWR('#', 0x09, struct fw_cdev_queue_iso)
	ioctlStartIso         = 0x4010230a // _IOW('#', 0x0a, struct fw_cdev_start_iso)
	ioctlStopIso          = 0x4004230b // _IOW('#', 0x0b, struct fw_cdev_stop_iso)
)

// Event types.
const (
	eventBusReset     = 0x00
	eventResponse     = 0x01
	eventRequest      = 0x02
	eventIsoInterrupt = 0x03
)

// Transaction codes.
const (
	tcodeWriteQuadlet = 0x0
	tcodeWriteBlock   = 0x1
	tcodeReadQuadlet  = 0x4
	tcodeReadBlock    = 0x5
	tcodeLockCAS      = 0x12
)

// Response codes. Values above 0xf are synthesized by the kernel.
const (
	rcodeComplete      = 0x00
	rcodeConflictError = 0x04
	rcodeDataError     = 0x05
	rcodeTypeError     = 0x06
	rcodeAddressError  = 0x07
	rcodeSendError     = 0x10
	rcodeCancelled     = 0x11
	rcodeBusy          = 0x12
	rcodeGeneration    = 0x13
	rcodeNoAck         = 0x14
)

var rcodeNames = map[uint32]string{
	rcodeComplete:      "complete",
	rcodeConflictError: "conflict error",
	rcodeDataError:     "data error",
	rcodeTypeError:     "type error",
	rcodeAddressError:  "address error",
	rcodeSendError:     "send error",
	rcodeCancelled:     "cancelled",
	rcodeBusy:          "busy",
	rcodeGeneration:    "bus generation changed",
	rcodeNoAck:         "no ack",
}

// rcodeError is a non-complete response code.
type rcodeError uint32

func (e rcodeError) Error() string {
	if n, ok := rcodeNames[uint32(e)]; ok {
		return "rcode " + n
	}
	return fmt.Sprintf("rcode 0x%02x", uint32(e))
}

// transient reports whether the request may succeed when re-issued.
func (e rcodeError) transient() bool {
	switch uint32(e) {
	case rcodeConflictError, rcodeBusy, rcodeGeneration:
		return true
	}
	return false
}

// Iso context types and parameters.
const (
	isoContextTransmit = 0
	isoContextReceive  = 1

	speedS100 = 0

	isoMatchAllTags = 0xf
)

// Iso packet control word: interrupt after this packet.
const isoInterrupt = 1 << 16

func isoPayloadLength(n int) uint32 { return uint32(n) & 0xffff }
func isoHeaderLength(n int) uint32  { return uint32(n) << 26 }

// Kernel structures. Field order and padding follow the C layout on 64 bit
// hosts.

type getInfo struct {
	Version         uint32
	ROMLength       uint32
	ROM             uint64
	BusReset        uint64
	BusResetClosure uint64
	Card            uint32
	_               uint32
}

type busReset struct {
	Closure     uint64
	Type        uint32
	NodeID      uint32
	LocalNodeID uint32
	BMNodeID    uint32
	IRMNodeID   uint32
	RootNodeID  uint32
	Generation  uint32
	_           uint32
}

type sendRequest struct {
	Tcode      uint32
	Length     uint32
	Offset     uint64
	Closure    uint64
	Data       uint64
	Generation uint32
	_          uint32
}

type createIsoContext struct {
	Type       uint32
	HeaderSize uint32
	Channel    uint32
	Speed      uint32
	Closure    uint64
	Handle     uint32
	_          uint32
}

type queueIso struct {
	Packets uint64
	Data    uint64
	Size    uint32
	Handle  uint32
}

type startIso struct {
	Cycle  int32
	Sync   uint32
	Tags   uint32
	Handle uint32
}

type stopIso struct {
	Handle uint32
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

// Event layouts. All events start with a 64 bit closure and a 32 bit type.
const (
	eventHeaderLen        = 12
	responseDataOffset    = 20
	isoInterruptHdrOffset = 20
	busResetLen           = 36
)

var (
	ne = binary.NativeEndian
	be = binary.BigEndian
)

func eventType(ev []byte) (uint32, error) {
	if len(ev) < eventHeaderLen {
		return 0, fmt.Errorf("short event: %d bytes", len(ev))
	}
	return ne.Uint32(ev[8:]), nil
}

func eventClosure(ev []byte) uint64 {
	return ne.Uint64(ev[0:])
}

func parseBusReset(ev []byte) (busReset, error) {
	if len(ev) < busResetLen {
		return busReset{}, fmt.Errorf("short bus reset event: %d bytes", len(ev))
	}
	return busReset{
		Closure:     ne.Uint64(ev[0:]),
		Type:        ne.Uint32(ev[8:]),
		NodeID:      ne.Uint32(ev[12:]),
		LocalNodeID: ne.Uint32(ev[16:]),
		BMNodeID:    ne.Uint32(ev[20:]),
		IRMNodeID:   ne.Uint32(ev[24:]),
		RootNodeID:  ne.Uint32(ev[28:]),
		Generation:  ne.Uint32(ev[32:]),
	}, nil
}

// response is a decoded fw_cdev_event_response.
type response struct {
	closure uint64
	rcode   uint32
	data    []byte
}

func parseResponse(ev []byte) (response, error) {
	if len(ev) < responseDataOffset {
		return response{}, fmt.Errorf("short response event: %d bytes", len(ev))
	}
	r := response{closure: eventClosure(ev), rcode: ne.Uint32(ev[12:])}
	n := int(ne.Uint32(ev[16:]))
	if responseDataOffset+n > len(ev) {
		return response{}, fmt.Errorf("response event truncated: %d data bytes in %d", n, len(ev))
	}
	r.data = ev[responseDataOffset : responseDataOffset+n]
	return r, nil
}

// isoEvent is a decoded fw_cdev_event_iso_interrupt.
type isoEvent struct {
	cycle   uint32
	headers []byte
}

func parseIsoInterrupt(ev []byte) (isoEvent, error) {
	if len(ev) < isoInterruptHdrOffset {
		return isoEvent{}, fmt.Errorf("short iso interrupt event: %d bytes", len(ev))
	}
	e := isoEvent{cycle: ne.Uint32(ev[12:])}
	n := int(ne.Uint32(ev[16:]))
	if isoInterruptHdrOffset+n > len(ev) {
		return isoEvent{}, fmt.Errorf("iso interrupt event truncated: %d header bytes in %d", n, len(ev))
	}
	e.headers = ev[isoInterruptHdrOffset : isoInterruptHdrOffset+n]
	return e, nil
}
