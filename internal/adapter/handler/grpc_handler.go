package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stocklock/internal/adapter/handler/pb"
	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/core/service"
	"github.com/rl1809/stocklock/pkg/logger"
)

type GRPCHandler struct {
	stockService *service.StockService
}

var _ pb.StockServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(stockService *service.StockService) *GRPCHandler {
	return &GRPCHandler{stockService: stockService}
}

// Decrement reports business failures in the response body; the call itself
// only fails on transport errors.
func (h *GRPCHandler) Decrement(ctx context.Context, req *pb.DecrementRequest) (*pb.DecrementResponse, error) {
	result := h.stockService.Execute(ctx, domain.DecrementRequest{
		ID:       req.GetId(),
		Amount:   req.GetAmount(),
		Strategy: req.GetStrategy(),
	})
	if !result.OK {
		return &pb.DecrementResponse{
			Success: false,
			Failure: string(result.Failure),
			Message: messageFor(result),
		}, nil
	}

	return &pb.DecrementResponse{
		Success:  true,
		Quantity: result.Quantity,
		Message:  "stock decremented",
	}, nil
}

// UnaryLogger logs every unary call at debug level.
func UnaryLogger(log *logger.Logger) grpc.UnaryServerInterceptor {
	log = log.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		log.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("took", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}
