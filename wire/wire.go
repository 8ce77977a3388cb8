// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire encodes and decodes the fixed-layout messages exchanged with the native
// profiler agent through a communication block.
//
// All integers use the byte order of the host, booleans are 4-byte integers and structures
// are packed. Every layout is given below as explicit field offsets; the agent compiles
// against the same layout, so offsets must never change.
package wire // import "go.opentelemetry.io/coverhost/wire"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

const (
	// MaxMsgSize is the size of a communication block region.
	MaxMsgSize = 65536

	// MaxPathChars is the width of a wide string field in UTF-16 code units, including
	// the terminating NUL.
	MaxPathChars = 512

	pathFieldSize = MaxPathChars * 2
	int32Size     = 4
	boolSize      = 4
)

// MsgType is the discriminant leading every request.
type MsgType int32

const (
	MsgTrackAssembly        MsgType = 1
	MsgGetSequencePoints    MsgType = 2
	MsgGetBranchPoints      MsgType = 3
	MsgTrackMethod          MsgType = 4
	MsgAllocateMemoryBuffer MsgType = 5
	MsgCloseChannel         MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case MsgTrackAssembly:
		return "TrackAssembly"
	case MsgGetSequencePoints:
		return "GetSequencePoints"
	case MsgGetBranchPoints:
		return "GetBranchPoints"
	case MsgTrackMethod:
		return "TrackMethod"
	case MsgAllocateMemoryBuffer:
		return "AllocateMemoryBuffer"
	case MsgCloseChannel:
		return "CloseChannel"
	default:
		return "MsgType(" + strconv.Itoa(int(t)) + ")"
	}
}

var (
	// ErrShortBuffer is returned when a region is too small for the layout being read or
	// written.
	ErrShortBuffer = errors.New("wire: buffer too short")
	// ErrStringTooLong is returned when a string does not fit a wide string field.
	ErrStringTooLong = errors.New("wire: string exceeds field width")
)

var wideEncoding encoding.Encoding = unicode.UTF16(nativeUTF16Endianness(), unicode.IgnoreBOM)

func nativeUTF16Endianness() unicode.Endianness {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return unicode.LittleEndian
	}
	return unicode.BigEndian
}

func need(b []byte, size int) error {
	if len(b) < size {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, size, len(b))
	}
	return nil
}

// PeekType reads the discriminant of the request in region.
func PeekType(region []byte) (MsgType, error) {
	if err := need(region, int32Size); err != nil {
		return 0, err
	}
	return MsgType(getInt32(region, 0)), nil
}

func getInt32(b []byte, off int) int32 {
	return int32(binary.NativeEndian.Uint32(b[off:]))
}

func putInt32(b []byte, off int, v int32) {
	binary.NativeEndian.PutUint32(b[off:], uint32(v))
}

func getUint32(b []byte, off int) uint32 {
	return binary.NativeEndian.Uint32(b[off:])
}

func putUint32(b []byte, off int, v uint32) {
	binary.NativeEndian.PutUint32(b[off:], v)
}

func getBool(b []byte, off int) bool {
	return binary.NativeEndian.Uint32(b[off:]) != 0
}

func putBool(b []byte, off int, v bool) {
	var n uint32
	if v {
		n = 1
	}
	binary.NativeEndian.PutUint32(b[off:], n)
}

// putWide writes s as a NUL padded UTF-16 field at off.
func putWide(b []byte, off int, s string) error {
	encoded, err := wideEncoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", s, err)
	}
	if len(encoded) > pathFieldSize-2 {
		return fmt.Errorf("%w: %d code units", ErrStringTooLong, len(encoded)/2)
	}
	field := b[off : off+pathFieldSize]
	n := copy(field, encoded)
	clear(field[n:])
	return nil
}

// getWide reads a UTF-16 field at off up to the first NUL code unit.
func getWide(b []byte, off int) (string, error) {
	field := b[off : off+pathFieldSize]
	end := len(field)
	for i := 0; i+1 < len(field); i += 2 {
		if field[i] == 0 && field[i+1] == 0 {
			end = i
			break
		}
	}
	decoded, err := wideEncoding.NewDecoder().Bytes(field[:end])
	if err != nil {
		return "", fmt.Errorf("failed to decode wide string: %w", err)
	}
	return string(decoded), nil
}
