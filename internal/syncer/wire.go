// Package syncer implements the peer-to-peer replication protocol: the
// inbound RPC surface (FullSync, IncrementalSync, GetFullData) and the
// outbound client that fans deltas out to every peer.
//
// Transport is gRPC with a hand-rolled service descriptor and a JSON wire
// codec, so the repo carries no protoc-generated code. The three
// operations and the DataPackage shape are the protocol contract; the
// framing underneath is an implementation choice.
package syncer

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"

	"github.com/adred-codev/chatmesh/internal/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DataPackage is the replication payload: upserts, deletions and read
// marks. Every field defaults to empty; an all-empty package is a valid
// no-op.
type DataPackage struct {
	Messages   []*chat.Message `json:"messages,omitempty"`
	DeletedIDs []string        `json:"deleted_ids,omitempty"`
	ReadIDs    []string        `json:"read_ids,omitempty"`
}

// Empty reports whether the package carries nothing.
func (p *DataPackage) Empty() bool {
	return p == nil || (len(p.Messages) == 0 && len(p.DeletedIDs) == 0 && len(p.ReadIDs) == 0)
}

// SyncResponse acknowledges a sync call. No richer error surface exists
// between peers; nodes rely on eventual reconciliation at restart.
type SyncResponse struct {
	Success bool `json:"success"`
}

// EmptyRequest is the GetFullData request body.
type EmptyRequest struct{}

// MakePackage builds a package with only the supplied fields populated.
func MakePackage(msgs []*chat.Message, deletedIDs, readIDs []string) *DataPackage {
	return &DataPackage{Messages: msgs, DeletedIDs: deletedIDs, ReadIDs: readIDs}
}

// wireCodec marshals the sync types as JSON on both ends of the gRPC
// channel, replacing the default protobuf codec.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (wireCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (wireCodec) Name() string                       { return "json" }

const (
	serviceName = "chatmesh.sync.DataSync"

	methodFullSync        = "/" + serviceName + "/FullSync"
	methodIncrementalSync = "/" + serviceName + "/IncrementalSync"
	methodGetFullData     = "/" + serviceName + "/GetFullData"
)

// DataSyncServer is the inbound replication surface every node exposes.
type DataSyncServer interface {
	FullSync(context.Context, *DataPackage) (*SyncResponse, error)
	IncrementalSync(context.Context, *DataPackage) (*SyncResponse, error)
	GetFullData(context.Context, *EmptyRequest) (*DataPackage, error)
}

// RegisterDataSyncServer registers the service on a gRPC server.
func RegisterDataSyncServer(reg grpc.ServiceRegistrar, srv DataSyncServer) {
	reg.RegisterService(&dataSyncServiceDesc, srv)
}

var dataSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DataSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FullSync", Handler: fullSyncHandler},
		{MethodName: "IncrementalSync", Handler: incrementalSyncHandler},
		{MethodName: "GetFullData", Handler: getFullDataHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chatmesh/sync",
}

func fullSyncHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DataPackage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataSyncServer).FullSync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFullSync}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataSyncServer).FullSync(ctx, req.(*DataPackage))
	}
	return interceptor(ctx, in, info, handler)
}

func incrementalSyncHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DataPackage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataSyncServer).IncrementalSync(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodIncrementalSync}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataSyncServer).IncrementalSync(ctx, req.(*DataPackage))
	}
	return interceptor(ctx, in, info, handler)
}

func getFullDataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EmptyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataSyncServer).GetFullData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetFullData}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataSyncServer).GetFullData(ctx, req.(*EmptyRequest))
	}
	return interceptor(ctx, in, info, handler)
}
