// Package pb holds the wire types and service descriptor for
// stocklock.v1.StockService. Messages travel as JSON through a codec
// registered under the "json" content-subtype.
package pb

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	CodecName = "json"

	StockService_ServiceName              = "stocklock.v1.StockService"
	StockService_Decrement_FullMethodName = "/stocklock.v1.StockService/Decrement"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

type DecrementRequest struct {
	Id       string `json:"id"`
	Amount   int64  `json:"amount"`
	Strategy string `json:"strategy,omitempty"`
}

func (x *DecrementRequest) GetId() string {
	if x != nil {
		return x.Id
	}
	return ""
}

func (x *DecrementRequest) GetAmount() int64 {
	if x != nil {
		return x.Amount
	}
	return 0
}

func (x *DecrementRequest) GetStrategy() string {
	if x != nil {
		return x.Strategy
	}
	return ""
}

type DecrementResponse struct {
	Success  bool   `json:"success"`
	Quantity int64  `json:"quantity"`
	Failure  string `json:"failure,omitempty"`
	Message  string `json:"message"`
}

type StockServiceServer interface {
	Decrement(context.Context, *DecrementRequest) (*DecrementResponse, error)
}

func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&StockService_ServiceDesc, srv)
}

var StockService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: StockService_ServiceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Decrement",
			Handler:    _StockService_Decrement_Handler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

func _StockService_Decrement_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DecrementRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).Decrement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: StockService_Decrement_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).Decrement(ctx, req.(*DecrementRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type StockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStockServiceClient(cc grpc.ClientConnInterface) *StockServiceClient {
	return &StockServiceClient{cc: cc}
}

func (c *StockServiceClient) Decrement(ctx context.Context, in *DecrementRequest, opts ...grpc.CallOption) (*DecrementResponse, error) {
	out := new(DecrementResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, StockService_Decrement_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
