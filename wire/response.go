// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "go.opentelemetry.io/coverhost/wire"

import "fmt"

// Response layouts.
const (
	// TrackAssembly: track.
	TrackResponseSize = boolSize

	// Points: more, count, records.
	pointsMoreOff    = 0
	pointsCountOff   = 4
	PointsHeaderSize = 8

	// TrackMethod: track, uniqueId.
	trackMethodIDOff        = 4
	TrackMethodResponseSize = 8

	// AllocateMemoryBuffer: allocated, bufferId.
	allocateBufferIDOff  = 4
	AllocateResponseSize = 8

	// CloseChannel: done.
	CloseChannelResponseSize = boolSize
)

// Point record layouts.
const (
	// SequencePoint: uniqueId, offset.
	SequencePointSize = 8
	// BranchPoint: uniqueId, offset, path.
	BranchPointSize = 12
)

// SequencePoint is an instrumentable location of a method.
type SequencePoint struct {
	UniqueID uint32
	Offset   int32
}

// BranchPoint is one outgoing edge of a decision in a method.
type BranchPoint struct {
	UniqueID uint32
	Offset   int32
	Path     int32
}

// FrameCapacity returns how many records of recordSize fit into one response frame of a
// region with regionSize bytes.
func FrameCapacity(regionSize, recordSize int) int {
	if recordSize <= 0 || regionSize <= PointsHeaderSize {
		return 0
	}
	return (regionSize - PointsHeaderSize) / recordSize
}

func putPointsHeader(region []byte, more bool, count int) {
	putBool(region, pointsMoreOff, more)
	putInt32(region, pointsCountOff, int32(count))
}

// pointsHeader validates the header against the region and returns more and count.
func pointsHeader(region []byte, recordSize int) (bool, int, error) {
	if err := need(region, PointsHeaderSize); err != nil {
		return false, 0, err
	}
	count := int(getInt32(region, pointsCountOff))
	if count < 0 {
		return false, 0, fmt.Errorf("negative point count %d", count)
	}
	if err := need(region, PointsHeaderSize+count*recordSize); err != nil {
		return false, 0, err
	}
	return getBool(region, pointsMoreOff), count, nil
}

// EncodeSequencePoints writes one points frame and returns its size.
func EncodeSequencePoints(region []byte, more bool, points []SequencePoint) (int, error) {
	size := PointsHeaderSize + len(points)*SequencePointSize
	if err := need(region, size); err != nil {
		return 0, err
	}
	putPointsHeader(region, more, len(points))
	off := PointsHeaderSize
	for _, p := range points {
		putUint32(region, off, p.UniqueID)
		putInt32(region, off+4, p.Offset)
		off += SequencePointSize
	}
	return size, nil
}

// DecodeSequencePoints reads one points frame.
func DecodeSequencePoints(region []byte) (bool, []SequencePoint, error) {
	more, count, err := pointsHeader(region, SequencePointSize)
	if err != nil {
		return false, nil, err
	}
	points := make([]SequencePoint, count)
	off := PointsHeaderSize
	for i := range points {
		points[i] = SequencePoint{
			UniqueID: getUint32(region, off),
			Offset:   getInt32(region, off+4),
		}
		off += SequencePointSize
	}
	return more, points, nil
}

// EncodeBranchPoints writes one points frame and returns its size.
func EncodeBranchPoints(region []byte, more bool, points []BranchPoint) (int, error) {
	size := PointsHeaderSize + len(points)*BranchPointSize
	if err := need(region, size); err != nil {
		return 0, err
	}
	putPointsHeader(region, more, len(points))
	off := PointsHeaderSize
	for _, p := range points {
		putUint32(region, off, p.UniqueID)
		putInt32(region, off+4, p.Offset)
		putInt32(region, off+8, p.Path)
		off += BranchPointSize
	}
	return size, nil
}

// DecodeBranchPoints reads one points frame.
func DecodeBranchPoints(region []byte) (bool, []BranchPoint, error) {
	more, count, err := pointsHeader(region, BranchPointSize)
	if err != nil {
		return false, nil, err
	}
	points := make([]BranchPoint, count)
	off := PointsHeaderSize
	for i := range points {
		points[i] = BranchPoint{
			UniqueID: getUint32(region, off),
			Offset:   getInt32(region, off+4),
			Path:     getInt32(region, off+8),
		}
		off += BranchPointSize
	}
	return more, points, nil
}

// EncodeTrack writes a MsgTrackAssembly response.
func EncodeTrack(region []byte, track bool) (int, error) {
	if err := need(region, TrackResponseSize); err != nil {
		return 0, err
	}
	putBool(region, 0, track)
	return TrackResponseSize, nil
}

// DecodeTrack reads a MsgTrackAssembly response.
func DecodeTrack(region []byte) (bool, error) {
	if err := need(region, TrackResponseSize); err != nil {
		return false, err
	}
	return getBool(region, 0), nil
}

// EncodeTrackMethodResponse writes a MsgTrackMethod response.
func EncodeTrackMethodResponse(region []byte, track bool, uniqueID uint32) (int, error) {
	if err := need(region, TrackMethodResponseSize); err != nil {
		return 0, err
	}
	putBool(region, 0, track)
	putUint32(region, trackMethodIDOff, uniqueID)
	return TrackMethodResponseSize, nil
}

// DecodeTrackMethodResponse reads a MsgTrackMethod response.
func DecodeTrackMethodResponse(region []byte) (bool, uint32, error) {
	if err := need(region, TrackMethodResponseSize); err != nil {
		return false, 0, err
	}
	return getBool(region, 0), getUint32(region, trackMethodIDOff), nil
}

// EncodeAllocateResponse writes a MsgAllocateMemoryBuffer response.
func EncodeAllocateResponse(region []byte, allocated bool, bufferID uint32) (int, error) {
	if err := need(region, AllocateResponseSize); err != nil {
		return 0, err
	}
	putBool(region, 0, allocated)
	putUint32(region, allocateBufferIDOff, bufferID)
	return AllocateResponseSize, nil
}

// DecodeAllocateResponse reads a MsgAllocateMemoryBuffer response.
func DecodeAllocateResponse(region []byte) (bool, uint32, error) {
	if err := need(region, AllocateResponseSize); err != nil {
		return false, 0, err
	}
	return getBool(region, 0), getUint32(region, allocateBufferIDOff), nil
}

// EncodeCloseChannelResponse writes a MsgCloseChannel response.
func EncodeCloseChannelResponse(region []byte, done bool) (int, error) {
	if err := need(region, CloseChannelResponseSize); err != nil {
		return 0, err
	}
	putBool(region, 0, done)
	return CloseChannelResponseSize, nil
}

// DecodeCloseChannelResponse reads a MsgCloseChannel response.
func DecodeCloseChannelResponse(region []byte) (bool, error) {
	if err := need(region, CloseChannelResponseSize); err != nil {
		return false, err
	}
	return getBool(region, 0), nil
}
