// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package messagehandler answers agent requests in a communication block region.
//
// A request is decoded, handed to the coverage service or the memory manager and the
// response is encoded into the same region. Failures never reach the wire as anything other
// than a well-formed response, since an agent waiting on a malformed answer blocks forever.
package messagehandler // import "go.opentelemetry.io/coverhost/messagehandler"

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/coverhost/buffer"
	"go.opentelemetry.io/coverhost/metrics"
	"go.opentelemetry.io/coverhost/successfailurecounter"
	"go.opentelemetry.io/coverhost/wire"
)

// degenerateSize is the number of bytes zeroed when a handler panics. Eight zero bytes
// read as an empty, final answer for every response layout.
const degenerateSize = 8

// Service supplies coverage data for requests.
type Service interface {
	// TrackAssembly reports whether the module should be instrumented.
	TrackAssembly(processID int32, processName, modulePath, assemblyName string) bool
	// GetSequencePoints returns the sequence points of the method with token.
	GetSequencePoints(processID int32, processName, modulePath, assemblyName string,
		token int32) ([]wire.SequencePoint, error)
	// GetBranchPoints returns the branch points of the method with token.
	GetBranchPoints(processID int32, processName, modulePath, assemblyName string,
		token int32) ([]wire.BranchPoint, error)
	// TrackMethod reports whether the method is a test method and its tracking id.
	TrackMethod(modulePath, assemblyName string, token int32) (uint32, bool)
	// Stopping is called once when the host shuts down.
	Stopping()
}

// Allocator hands out and retires buffer pairs.
type Allocator interface {
	AllocateMemoryBuffer(bufferSize int) (*buffer.Pair, error)
	DeactivateMemoryBuffer(bufferID uint32)
}

// ChunkSender publishes the first size bytes of the region as a non-final response frame
// and blocks until the agent acknowledged it.
type ChunkSender func(ctx context.Context, size int) error

// Result describes what StandardMessage did.
type Result struct {
	Type wire.MsgType
	// Written is the size of the final response frame. Zero means nothing was written.
	Written int
	// Allocated is the pair created by a MsgAllocateMemoryBuffer request.
	Allocated *buffer.Pair
	// Closed is set for a processed MsgCloseChannel request.
	Closed bool
	// ClosedID is the buffer id named by a MsgCloseChannel request.
	ClosedID uint32
}

type handlerFunc func(h *Handler, ctx context.Context, region []byte,
	send ChunkSender) (Result, error)

// dispatch maps every known message type to its handler.
var dispatch = map[wire.MsgType]handlerFunc{
	wire.MsgTrackAssembly:        (*Handler).trackAssembly,
	wire.MsgGetSequencePoints:    (*Handler).sequencePoints,
	wire.MsgGetBranchPoints:      (*Handler).branchPoints,
	wire.MsgTrackMethod:          (*Handler).trackMethod,
	wire.MsgAllocateMemoryBuffer: (*Handler).allocateMemoryBuffer,
	wire.MsgCloseChannel:         (*Handler).closeChannel,
}

// Handler decodes requests and encodes responses.
type Handler struct {
	service   Service
	allocator Allocator
	// chunkCapacity caps the number of records per frame. Zero means the region decides.
	chunkCapacity int
}

// New returns a handler. A positive chunkCapacity lowers the number of point records per
// response frame below what the region could hold.
func New(service Service, allocator Allocator, chunkCapacity int) *Handler {
	return &Handler{
		service:       service,
		allocator:     allocator,
		chunkCapacity: chunkCapacity,
	}
}

// Complete tells the service that the host is stopping.
func (h *Handler) Complete() {
	h.service.Stopping()
}

// StandardMessage answers the request in region. Non-final frames of chunked responses are
// passed to send; the final frame is left in region for the caller to publish.
func (h *Handler) StandardMessage(ctx context.Context, region []byte, send ChunkSender) (res Result) {
	typ, err := wire.PeekType(region)
	if err != nil {
		log.Errorf("Failed to read message type: %v", err)
		metrics.Add(metrics.IDMessagesUnknown, 1)
		return Result{}
	}

	handle, ok := dispatch[typ]
	if !ok {
		log.Errorf("Unknown message type %d", int32(typ))
		metrics.Add(metrics.IDMessagesUnknown, 1)
		return Result{Type: typ}
	}

	sfc := successfailurecounter.New(metrics.IDMessagesHandled, metrics.IDMessagesFailed)
	defer sfc.DefaultToSuccess()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Handling %v panicked: %v", typ, r)
			sfc.ReportFailure()
			clear(region[:min(degenerateSize, len(region))])
			res = Result{Type: typ, Written: min(degenerateSize, len(region))}
		}
	}()

	res, err = handle(h, ctx, region, send)
	res.Type = typ
	if err != nil {
		log.Errorf("Handling %v failed: %v", typ, err)
		sfc.ReportFailure()
	}
	return res
}

func (h *Handler) trackAssembly(_ context.Context, region []byte, _ ChunkSender) (Result, error) {
	req, err := wire.DecodeTrackAssembly(region)
	track := false
	if err == nil {
		track = h.service.TrackAssembly(req.ProcessID, req.ProcessName, req.ModulePath,
			req.AssemblyName)
	}
	n, werr := wire.EncodeTrack(region, track)
	if werr != nil {
		return Result{}, werr
	}
	return Result{Written: n}, err
}

func (h *Handler) sequencePoints(ctx context.Context, region []byte,
	send ChunkSender) (Result, error) {
	req, err := wire.DecodePoints(region)
	var points []wire.SequencePoint
	if err == nil {
		points, err = h.service.GetSequencePoints(req.ProcessID, req.ProcessName,
			req.ModulePath, req.AssemblyName, req.FunctionToken)
	}
	if err != nil {
		n, _ := wire.EncodeSequencePoints(region, false, nil)
		return Result{Written: n}, err
	}
	capacity := h.capacity(len(region), wire.SequencePointSize)
	n, err := sendPoints(ctx, region, points, capacity, wire.EncodeSequencePoints, send)
	return Result{Written: n}, err
}

func (h *Handler) branchPoints(ctx context.Context, region []byte,
	send ChunkSender) (Result, error) {
	req, err := wire.DecodePoints(region)
	var points []wire.BranchPoint
	if err == nil {
		points, err = h.service.GetBranchPoints(req.ProcessID, req.ProcessName,
			req.ModulePath, req.AssemblyName, req.FunctionToken)
	}
	if err != nil {
		n, _ := wire.EncodeBranchPoints(region, false, nil)
		return Result{Written: n}, err
	}
	capacity := h.capacity(len(region), wire.BranchPointSize)
	n, err := sendPoints(ctx, region, points, capacity, wire.EncodeBranchPoints, send)
	return Result{Written: n}, err
}

func (h *Handler) trackMethod(_ context.Context, region []byte, _ ChunkSender) (Result, error) {
	req, err := wire.DecodeTrackMethod(region)
	var id uint32
	track := false
	if err == nil {
		id, track = h.service.TrackMethod(req.ModulePath, req.AssemblyName, req.FunctionToken)
	}
	n, werr := wire.EncodeTrackMethodResponse(region, track, id)
	if werr != nil {
		return Result{}, werr
	}
	return Result{Written: n}, err
}

func (h *Handler) allocateMemoryBuffer(_ context.Context, region []byte,
	_ ChunkSender) (Result, error) {
	size, err := wire.DecodeAllocate(region)
	var pair *buffer.Pair
	if err == nil {
		if size <= wire.ResultsHeaderSize {
			err = fmt.Errorf("invalid results buffer size %d", size)
		} else {
			pair, err = h.allocator.AllocateMemoryBuffer(int(size))
		}
	}
	if err != nil {
		n, _ := wire.EncodeAllocateResponse(region, false, 0)
		return Result{Written: n}, err
	}
	n, err := wire.EncodeAllocateResponse(region, true, pair.ID)
	return Result{Written: n, Allocated: pair}, err
}

func (h *Handler) closeChannel(_ context.Context, region []byte, _ ChunkSender) (Result, error) {
	id, err := wire.DecodeCloseChannel(region)
	if err != nil {
		n, _ := wire.EncodeCloseChannelResponse(region, false)
		return Result{Written: n}, err
	}
	h.allocator.DeactivateMemoryBuffer(id)
	n, err := wire.EncodeCloseChannelResponse(region, true)
	return Result{Written: n, Closed: true, ClosedID: id}, err
}

// capacity returns the number of records per frame for a region.
func (h *Handler) capacity(regionSize, recordSize int) int {
	c := wire.FrameCapacity(regionSize, recordSize)
	if h.chunkCapacity > 0 && h.chunkCapacity < c {
		c = h.chunkCapacity
	}
	return max(c, 1)
}

// sendPoints sends all but the last frame through send and leaves the final frame with
// more=false in region. If a chunk cannot be delivered, the final frame is empty.
func sendPoints[P any](ctx context.Context, region []byte, points []P, capacity int,
	encode func([]byte, bool, []P) (int, error), send ChunkSender) (int, error) {
	for len(points) > capacity {
		n, err := encode(region, true, points[:capacity])
		if err != nil {
			return degenerate(region, encode, err)
		}
		if err = send(ctx, n); err != nil {
			return degenerate(region, encode, fmt.Errorf("chunk not acknowledged: %w", err))
		}
		metrics.Add(metrics.IDChunksSent, 1)
		points = points[capacity:]
	}
	return encode(region, false, points)
}

func degenerate[P any](region []byte, encode func([]byte, bool, []P) (int, error),
	err error) (int, error) {
	n, _ := encode(region, false, nil)
	return n, err
}
