// Package splittunnel implements the Windows split-tunnel kernel driver's
// IOCTL wire protocol (spec §4.6): the \\.\MULLVADSPLITTUNNEL control-code
// formula, its driver state machine, and the SetConfiguration buffer
// encoding/decoding, grounded on
// original_source/talpid-core/src/split_tunnel/windows/driver.rs.
package splittunnel

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// DriverState mirrors the driver's GetState result.
type DriverState uint64

const (
	StateNone DriverState = iota
	StateStarted
	StateInitialized
	StateReady
	StateEngaged
	StateTerminating
)

func (s DriverState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateStarted:
		return "Started"
	case StateInitialized:
		return "Initialized"
	case StateReady:
		return "Ready"
	case StateEngaged:
		return "Engaged"
	case StateTerminating:
		return "Terminating"
	default:
		return "Unknown"
	}
}

// ioctlFunction/ioctlMethod encode the driver's function table (spec §4.6).
type ioctlFunction uint32
type ioctlMethod uint32

const (
	methodBuffered ioctlMethod = 0x0
	methodNeither  ioctlMethod = 0x3

	functionInitialize         ioctlFunction = 1
	functionDequeueEvent       ioctlFunction = 2
	functionRegisterProcesses  ioctlFunction = 3
	functionRegisterIPAddrs    ioctlFunction = 4
	functionGetIPAddrs         ioctlFunction = 5
	functionSetConfiguration   ioctlFunction = 6
	functionGetConfiguration   ioctlFunction = 7
	functionClearConfiguration ioctlFunction = 8
	functionGetState           ioctlFunction = 9
	functionQueryProcess       ioctlFunction = 10

	deviceTypeSplitTunnel = 0x8000
	fileAnyAccess         = 0
)

// ctlCode implements code(device_type, function, method, access) from
// spec §4.6.
func ctlCode(deviceType uint32, function ioctlFunction, method ioctlMethod, access uint32) uint32 {
	return (deviceType << 16) | (access << 14) | (uint32(function) << 2) | uint32(method)
}

// IOCTL codes for every driver operation, exported for callers that issue
// the raw DeviceIoControl syscall (device_windows.go).
var (
	IOCTLInitialize         = ctlCode(deviceTypeSplitTunnel, functionInitialize, methodNeither, fileAnyAccess)
	IOCTLDequeueEvent       = ctlCode(deviceTypeSplitTunnel, functionDequeueEvent, methodBuffered, fileAnyAccess)
	IOCTLRegisterProcesses  = ctlCode(deviceTypeSplitTunnel, functionRegisterProcesses, methodBuffered, fileAnyAccess)
	IOCTLRegisterIPAddrs    = ctlCode(deviceTypeSplitTunnel, functionRegisterIPAddrs, methodBuffered, fileAnyAccess)
	IOCTLGetIPAddrs         = ctlCode(deviceTypeSplitTunnel, functionGetIPAddrs, methodBuffered, fileAnyAccess)
	IOCTLSetConfiguration   = ctlCode(deviceTypeSplitTunnel, functionSetConfiguration, methodBuffered, fileAnyAccess)
	IOCTLGetConfiguration   = ctlCode(deviceTypeSplitTunnel, functionGetConfiguration, methodBuffered, fileAnyAccess)
	IOCTLClearConfiguration = ctlCode(deviceTypeSplitTunnel, functionClearConfiguration, methodNeither, fileAnyAccess)
	IOCTLGetState           = ctlCode(deviceTypeSplitTunnel, functionGetState, methodBuffered, fileAnyAccess)
	IOCTLQueryProcess       = ctlCode(deviceTypeSplitTunnel, functionQueryProcess, methodBuffered, fileAnyAccess)
)

// header and entry sizes assume a 64-bit native word width, matching the
// driver's own `usize` fields (spec §4.6).
const (
	headerSize = 16 // num_entries: usize (8) + total_length: usize (8)
	entrySize  = 10 // name_offset: usize (8) + name_length: u16 (2)
)

// EncodeConfiguration builds the SetConfiguration wire buffer for the given
// final/physical device paths, per spec §4.6: a Header, an Entry per path,
// and a packed UTF-16 strings region with no null terminators at the end of
// the buffer.
func EncodeConfiguration(paths []string) []byte {
	utf16Paths := make([][]uint16, len(paths))
	stringsSize := 0
	for i, p := range paths {
		u := utf16.Encode([]rune(p))
		utf16Paths[i] = u
		stringsSize += len(u) * 2
	}

	totalLength := headerSize + len(paths)*entrySize + stringsSize
	buf := make([]byte, totalLength)

	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(paths)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(totalLength))

	stringsStart := totalLength - stringsSize
	offset := stringsStart
	for i, u := range utf16Paths {
		nameLength := len(u) * 2
		entryOff := headerSize + i*entrySize
		binary.LittleEndian.PutUint64(buf[entryOff:entryOff+8], uint64(offset))
		binary.LittleEndian.PutUint16(buf[entryOff+8:entryOff+10], uint16(nameLength))
		for _, c := range u {
			binary.LittleEndian.PutUint16(buf[offset:offset+2], c)
			offset += 2
		}
	}
	return buf
}

// DecodeConfiguration is the inverse of EncodeConfiguration, used by tests
// (spec §8 "Round-trip") and by ValidateConfiguration.
func DecodeConfiguration(buf []byte) ([]string, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("splittunnel: buffer too small for header: %d bytes", len(buf))
	}
	numEntries := binary.LittleEndian.Uint64(buf[0:8])
	totalLength := binary.LittleEndian.Uint64(buf[8:16])
	if int(totalLength) != len(buf) {
		return nil, fmt.Errorf("splittunnel: total_length %d does not match buffer length %d", totalLength, len(buf))
	}

	entriesEnd := headerSize + int(numEntries)*entrySize
	if entriesEnd > len(buf) {
		return nil, fmt.Errorf("splittunnel: entry table overruns buffer")
	}

	paths := make([]string, 0, numEntries)
	for i := uint64(0); i < numEntries; i++ {
		entryOff := headerSize + int(i)*entrySize
		nameOffset := binary.LittleEndian.Uint64(buf[entryOff : entryOff+8])
		nameLength := binary.LittleEndian.Uint16(buf[entryOff+8 : entryOff+10])
		start := int(nameOffset)
		end := start + int(nameLength)
		if start < entriesEnd || end > len(buf) {
			return nil, fmt.Errorf("splittunnel: entry %d name [%d:%d] out of strings region", i, start, end)
		}
		units := make([]uint16, nameLength/2)
		for j := range units {
			units[j] = binary.LittleEndian.Uint16(buf[start+j*2 : start+j*2+2])
		}
		paths = append(paths, string(utf16.Decode(units)))
	}
	return paths, nil
}

// ValidateConfiguration checks the invariants of spec §8's P6: total_length
// equals sizeof(Header) + num_entries*sizeof(Entry) + sum(2*len(name_i)),
// and every entry's name region lies within the strings region.
func ValidateConfiguration(buf []byte) error {
	if _, err := DecodeConfiguration(buf); err != nil {
		return err
	}
	numEntries := int(binary.LittleEndian.Uint64(buf[0:8]))
	stringsSize := 0
	for i := 0; i < numEntries; i++ {
		entryOff := headerSize + i*entrySize
		stringsSize += int(binary.LittleEndian.Uint16(buf[entryOff+8 : entryOff+10]))
	}
	if want := headerSize + numEntries*entrySize + stringsSize; want != len(buf) {
		return fmt.Errorf("splittunnel: total_length %d, want %d", len(buf), want)
	}
	return nil
}
