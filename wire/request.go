// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "go.opentelemetry.io/coverhost/wire"

// Request layouts. Offsets are in bytes from the start of the region.
const (
	// TrackAssembly: type, processId, processName, modulePath, assemblyName.
	trackAssemblyProcessIDOff    = 4
	trackAssemblyProcessNameOff  = 8
	trackAssemblyModulePathOff   = trackAssemblyProcessNameOff + pathFieldSize
	trackAssemblyAssemblyNameOff = trackAssemblyModulePathOff + pathFieldSize
	TrackAssemblyRequestSize     = trackAssemblyAssemblyNameOff + pathFieldSize

	// GetSequencePoints and GetBranchPoints: type, functionToken, processId, processName,
	// modulePath, assemblyName.
	pointsFunctionTokenOff = 4
	pointsProcessIDOff     = 8
	pointsProcessNameOff   = 12
	pointsModulePathOff    = pointsProcessNameOff + pathFieldSize
	pointsAssemblyNameOff  = pointsModulePathOff + pathFieldSize
	PointsRequestSize      = pointsAssemblyNameOff + pathFieldSize

	// TrackMethod: type, functionToken, modulePath, assemblyName.
	trackMethodFunctionTokenOff = 4
	trackMethodModulePathOff    = 8
	trackMethodAssemblyNameOff  = trackMethodModulePathOff + pathFieldSize
	TrackMethodRequestSize      = trackMethodAssemblyNameOff + pathFieldSize

	// AllocateMemoryBuffer: type, bufferSize.
	allocateBufferSizeOff = 4
	AllocateRequestSize   = 8

	// CloseChannel: type, bufferId.
	closeChannelBufferIDOff = 4
	CloseChannelRequestSize = 8
)

// TrackAssemblyRequest asks whether a loaded module should be instrumented.
type TrackAssemblyRequest struct {
	ProcessID    int32
	ProcessName  string
	ModulePath   string
	AssemblyName string
}

// PointsRequest asks for the sequence or branch points of one method.
type PointsRequest struct {
	FunctionToken int32
	ProcessID     int32
	ProcessName   string
	ModulePath    string
	AssemblyName  string
}

// TrackMethodRequest asks whether a method is a test method that should be traced.
type TrackMethodRequest struct {
	FunctionToken int32
	ModulePath    string
	AssemblyName  string
}

// DecodeTrackAssembly decodes a MsgTrackAssembly request.
func DecodeTrackAssembly(region []byte) (TrackAssemblyRequest, error) {
	var req TrackAssemblyRequest
	if err := need(region, TrackAssemblyRequestSize); err != nil {
		return req, err
	}
	req.ProcessID = getInt32(region, trackAssemblyProcessIDOff)
	var err error
	if req.ProcessName, err = getWide(region, trackAssemblyProcessNameOff); err != nil {
		return req, err
	}
	if req.ModulePath, err = getWide(region, trackAssemblyModulePathOff); err != nil {
		return req, err
	}
	req.AssemblyName, err = getWide(region, trackAssemblyAssemblyNameOff)
	return req, err
}

// EncodeTrackAssembly writes a MsgTrackAssembly request and returns its size.
func EncodeTrackAssembly(region []byte, req TrackAssemblyRequest) (int, error) {
	if err := need(region, TrackAssemblyRequestSize); err != nil {
		return 0, err
	}
	putInt32(region, 0, int32(MsgTrackAssembly))
	putInt32(region, trackAssemblyProcessIDOff, req.ProcessID)
	if err := putWide(region, trackAssemblyProcessNameOff, req.ProcessName); err != nil {
		return 0, err
	}
	if err := putWide(region, trackAssemblyModulePathOff, req.ModulePath); err != nil {
		return 0, err
	}
	if err := putWide(region, trackAssemblyAssemblyNameOff, req.AssemblyName); err != nil {
		return 0, err
	}
	return TrackAssemblyRequestSize, nil
}

// DecodePoints decodes a MsgGetSequencePoints or MsgGetBranchPoints request.
func DecodePoints(region []byte) (PointsRequest, error) {
	var req PointsRequest
	if err := need(region, PointsRequestSize); err != nil {
		return req, err
	}
	req.FunctionToken = getInt32(region, pointsFunctionTokenOff)
	req.ProcessID = getInt32(region, pointsProcessIDOff)
	var err error
	if req.ProcessName, err = getWide(region, pointsProcessNameOff); err != nil {
		return req, err
	}
	if req.ModulePath, err = getWide(region, pointsModulePathOff); err != nil {
		return req, err
	}
	req.AssemblyName, err = getWide(region, pointsAssemblyNameOff)
	return req, err
}

// EncodePoints writes a points request of type t and returns its size.
func EncodePoints(region []byte, t MsgType, req PointsRequest) (int, error) {
	if err := need(region, PointsRequestSize); err != nil {
		return 0, err
	}
	putInt32(region, 0, int32(t))
	putInt32(region, pointsFunctionTokenOff, req.FunctionToken)
	putInt32(region, pointsProcessIDOff, req.ProcessID)
	if err := putWide(region, pointsProcessNameOff, req.ProcessName); err != nil {
		return 0, err
	}
	if err := putWide(region, pointsModulePathOff, req.ModulePath); err != nil {
		return 0, err
	}
	if err := putWide(region, pointsAssemblyNameOff, req.AssemblyName); err != nil {
		return 0, err
	}
	return PointsRequestSize, nil
}

// DecodeTrackMethod decodes a MsgTrackMethod request.
func DecodeTrackMethod(region []byte) (TrackMethodRequest, error) {
	var req TrackMethodRequest
	if err := need(region, TrackMethodRequestSize); err != nil {
		return req, err
	}
	req.FunctionToken = getInt32(region, trackMethodFunctionTokenOff)
	var err error
	if req.ModulePath, err = getWide(region, trackMethodModulePathOff); err != nil {
		return req, err
	}
	req.AssemblyName, err = getWide(region, trackMethodAssemblyNameOff)
	return req, err
}

// EncodeTrackMethod writes a MsgTrackMethod request and returns its size.
func EncodeTrackMethod(region []byte, req TrackMethodRequest) (int, error) {
	if err := need(region, TrackMethodRequestSize); err != nil {
		return 0, err
	}
	putInt32(region, 0, int32(MsgTrackMethod))
	putInt32(region, trackMethodFunctionTokenOff, req.FunctionToken)
	if err := putWide(region, trackMethodModulePathOff, req.ModulePath); err != nil {
		return 0, err
	}
	if err := putWide(region, trackMethodAssemblyNameOff, req.AssemblyName); err != nil {
		return 0, err
	}
	return TrackMethodRequestSize, nil
}

// DecodeAllocate decodes a MsgAllocateMemoryBuffer request and returns the requested
// results region size.
func DecodeAllocate(region []byte) (int32, error) {
	if err := need(region, AllocateRequestSize); err != nil {
		return 0, err
	}
	return getInt32(region, allocateBufferSizeOff), nil
}

// EncodeAllocate writes a MsgAllocateMemoryBuffer request and returns its size.
func EncodeAllocate(region []byte, bufferSize int32) (int, error) {
	if err := need(region, AllocateRequestSize); err != nil {
		return 0, err
	}
	putInt32(region, 0, int32(MsgAllocateMemoryBuffer))
	putInt32(region, allocateBufferSizeOff, bufferSize)
	return AllocateRequestSize, nil
}

// DecodeCloseChannel decodes a MsgCloseChannel request and returns the buffer id.
func DecodeCloseChannel(region []byte) (uint32, error) {
	if err := need(region, CloseChannelRequestSize); err != nil {
		return 0, err
	}
	return getUint32(region, closeChannelBufferIDOff), nil
}

// EncodeCloseChannel writes a MsgCloseChannel request and returns its size.
func EncodeCloseChannel(region []byte, bufferID uint32) (int, error) {
	if err := need(region, CloseChannelRequestSize); err != nil {
		return 0, err
	}
	putInt32(region, 0, int32(MsgCloseChannel))
	putUint32(region, closeChannelBufferIDOff, bufferID)
	return CloseChannelRequestSize, nil
}
