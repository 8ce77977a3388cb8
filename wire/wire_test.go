// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutSizes(t *testing.T) {
	assert.Equal(t, 3080, TrackAssemblyRequestSize)
	assert.Equal(t, 3084, PointsRequestSize)
	assert.Equal(t, 2056, TrackMethodRequestSize)
	assert.Equal(t, 8191, FrameCapacity(MaxMsgSize, SequencePointSize))
	assert.Equal(t, 5460, FrameCapacity(MaxMsgSize, BranchPointSize))
	assert.Equal(t, 0, FrameCapacity(4, SequencePointSize))
}

func TestTrackAssemblyOffsets(t *testing.T) {
	region := make([]byte, MaxMsgSize)
	n, err := EncodeTrackAssembly(region, TrackAssemblyRequest{
		ProcessID:    4242,
		ProcessName:  "dotnet",
		ModulePath:   "/app/Lib.dll",
		AssemblyName: "Lib",
	})
	require.NoError(t, err)
	assert.Equal(t, TrackAssemblyRequestSize, n)

	assert.Equal(t, uint32(MsgTrackAssembly), binary.NativeEndian.Uint32(region[0:]))
	assert.Equal(t, uint32(4242), binary.NativeEndian.Uint32(region[4:]))
	assert.Equal(t, uint16('d'), binary.NativeEndian.Uint16(region[8:]))
	assert.Equal(t, uint16('/'), binary.NativeEndian.Uint16(region[1032:]))
	assert.Equal(t, uint16('L'), binary.NativeEndian.Uint16(region[2056:]))
	assert.Equal(t, uint16(0), binary.NativeEndian.Uint16(region[2056+6:]))

	typ, err := PeekType(region)
	require.NoError(t, err)
	assert.Equal(t, MsgTrackAssembly, typ)

	req, err := DecodeTrackAssembly(region)
	require.NoError(t, err)
	assert.Equal(t, "dotnet", req.ProcessName)
	assert.Equal(t, "/app/Lib.dll", req.ModulePath)
	assert.Equal(t, "Lib", req.AssemblyName)
}

func TestPointsRequestOffsets(t *testing.T) {
	region := make([]byte, MaxMsgSize)
	_, err := EncodePoints(region, MsgGetBranchPoints, PointsRequest{
		FunctionToken: 0x06000001,
		ProcessID:     7,
		ProcessName:   "t",
		ModulePath:    "Ünïcode.dll",
		AssemblyName:  "Ünïcode",
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(MsgGetBranchPoints), binary.NativeEndian.Uint32(region[0:]))
	assert.Equal(t, uint32(0x06000001), binary.NativeEndian.Uint32(region[4:]))
	assert.Equal(t, uint32(7), binary.NativeEndian.Uint32(region[8:]))
	assert.Equal(t, uint16('t'), binary.NativeEndian.Uint16(region[12:]))
	assert.Equal(t, uint16('Ü'), binary.NativeEndian.Uint16(region[1036:]))

	req, err := DecodePoints(region)
	require.NoError(t, err)
	assert.Equal(t, int32(0x06000001), req.FunctionToken)
	assert.Equal(t, "Ünïcode.dll", req.ModulePath)
	assert.Equal(t, "Ünïcode", req.AssemblyName)
}

func TestSmallRequests(t *testing.T) {
	region := make([]byte, 16)

	_, err := EncodeAllocate(region, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<20), binary.NativeEndian.Uint32(region[4:]))
	size, err := DecodeAllocate(region)
	require.NoError(t, err)
	assert.Equal(t, int32(1<<20), size)

	_, err = EncodeCloseChannel(region, 3)
	require.NoError(t, err)
	typ, err := PeekType(region)
	require.NoError(t, err)
	assert.Equal(t, MsgCloseChannel, typ)
	id, err := DecodeCloseChannel(region)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)

	_, err = DecodeTrackMethod(region)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestWideStringTooLong(t *testing.T) {
	region := make([]byte, MaxMsgSize)
	_, err := EncodeTrackMethod(region, TrackMethodRequest{
		ModulePath: strings.Repeat("a", MaxPathChars),
	})
	require.ErrorIs(t, err, ErrStringTooLong)

	_, err = EncodeTrackMethod(region, TrackMethodRequest{
		ModulePath: strings.Repeat("a", MaxPathChars-1),
	})
	require.NoError(t, err)
	req, err := DecodeTrackMethod(region)
	require.NoError(t, err)
	assert.Len(t, req.ModulePath, MaxPathChars-1)
}

func TestPointFrames(t *testing.T) {
	region := make([]byte, 64)

	seq := []SequencePoint{{UniqueID: 1, Offset: 0}, {UniqueID: 2, Offset: 12}}
	n, err := EncodeSequencePoints(region, true, seq)
	require.NoError(t, err)
	assert.Equal(t, PointsHeaderSize+2*SequencePointSize, n)
	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(region[0:]))
	assert.Equal(t, uint32(2), binary.NativeEndian.Uint32(region[4:]))
	assert.Equal(t, uint32(2), binary.NativeEndian.Uint32(region[16:]))
	assert.Equal(t, uint32(12), binary.NativeEndian.Uint32(region[20:]))

	more, got, err := DecodeSequencePoints(region)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Empty(t, cmp.Diff(seq, got))

	br := []BranchPoint{{UniqueID: 9, Offset: 4, Path: 0}, {UniqueID: 10, Offset: 4, Path: 1}}
	_, err = EncodeBranchPoints(region, false, br)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(region[28:]))
	more, gotBr, err := DecodeBranchPoints(region)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Empty(t, cmp.Diff(br, gotBr))

	_, err = EncodeSequencePoints(region, false, make([]SequencePoint, 8))
	require.ErrorIs(t, err, ErrShortBuffer)

	binary.NativeEndian.PutUint32(region[4:], 1000)
	_, _, err = DecodeSequencePoints(region)
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestVisitsRegion(t *testing.T) {
	raw := make([]byte, ResultsHeaderSize+3*VisitIDSize)
	assert.Equal(t, 3, ResultsCapacity(len(raw)))

	n := EncodeVisits(raw, []uint32{5, 6, VisitMethodEnter | 2, 7})
	assert.Equal(t, 3, n)
	assert.Equal(t, uint32(3), VisitCount(raw))
	assert.Equal(t, uint32(6), VisitID(raw, 1))
	assert.Equal(t, uint32(2), VisitID(raw, 2)&VisitIDMask)

	ClearVisitCount(raw)
	assert.Zero(t, VisitCount(raw))
	assert.Zero(t, VisitCount(nil))
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "GetSequencePoints", MsgGetSequencePoints.String())
	assert.Equal(t, "MsgType(99)", MsgType(99).String())
}
