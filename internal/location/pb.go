package location

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype the ingest stream is spoken in.
const CodecName = "json"

// jsonCodec lets plain Go structs travel over gRPC without generated protobuf code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// LocationUpdate is one streamed rider position.
type LocationUpdate struct {
	RiderID      string   `json:"riderId"`
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	Speed        *float64 `json:"speed,omitempty"`
	Bearing      *float64 `json:"bearing,omitempty"`
	BatteryLevel *float64 `json:"batteryLevel,omitempty"`
	// TimestampMs is the device clock in unix milliseconds, zero when unknown.
	TimestampMs int64  `json:"timestamp,omitempty"`
	TripID      string `json:"tripId,omitempty"`
}

// Ack closes a stream with its tallies.
type Ack struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// IngestServer defines the gRPC contract.
type IngestServer interface {
	StreamLocations(LocationIngest_StreamLocationsServer) error
}

const streamMethod = "/presence.LocationIngest/StreamLocations"

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: "presence.LocationIngest",
	HandlerType: (*IngestServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocations",
		Handler:       _LocationIngest_StreamLocations_Handler,
		ClientStreams: true,
	}},
}

// RegisterIngestServer registers the service implementation.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&ingestServiceDesc, srv)
}

// LocationIngest_StreamLocationsServer is the server side of the client stream.
type LocationIngest_StreamLocationsServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*LocationUpdate, error)
}

func _LocationIngest_StreamLocations_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(IngestServer).StreamLocations(&streamLocationsServer{ServerStream: stream})
}

type streamLocationsServer struct {
	grpc.ServerStream
}

func (s *streamLocationsServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *streamLocationsServer) Recv() (*LocationUpdate, error) {
	msg := new(LocationUpdate)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// IngestClient opens location streams against a LocationIngest server.
type IngestClient struct {
	cc grpc.ClientConnInterface
}

func NewIngestClient(cc grpc.ClientConnInterface) *IngestClient {
	return &IngestClient{cc: cc}
}

// LocationStream is the client side of StreamLocations.
type LocationStream struct {
	grpc.ClientStream
}

// StreamLocations opens a new stream.
func (c *IngestClient) StreamLocations(ctx context.Context, opts ...grpc.CallOption) (*LocationStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ingestServiceDesc.Streams[0], streamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &LocationStream{ClientStream: stream}, nil
}

func (s *LocationStream) Send(u *LocationUpdate) error { return s.ClientStream.SendMsg(u) }

// CloseAndRecv half-closes the stream and waits for the server's Ack.
func (s *LocationStream) CloseAndRecv() (*Ack, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := s.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
