package server

import (
	"MarketLedger/internal/event"
	"MarketLedger/internal/ingestion"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ============================================================================
// Wire types and codec
// ============================================================================

// SubmitConfirmationRequest carries one confirmation into the ledger.
type SubmitConfirmationRequest struct {
	EventType      string          `json:"event_type"` // transfer_outcome, deposit_observed, payout_outcome
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

type SubmitConfirmationResponse struct {
	Result string `json:"result"` // applied or duplicate
}

// jsonCodec lets the hand-written ConfirmationService speak JSON over gRPC.
// Clients select it with grpc.CallContentSubtype(JSONCodecName).
type jsonCodec struct{}

const JSONCodecName = "json"

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ============================================================================
// ConfirmationService
// ============================================================================

const (
	confirmationServiceName  = "marketledger.ingest.v1.ConfirmationService"
	SubmitConfirmationMethod = "/" + confirmationServiceName + "/SubmitConfirmation"
)

// ConfirmationServer is the server API of ConfirmationService.
type ConfirmationServer interface {
	SubmitConfirmation(ctx context.Context, req *SubmitConfirmationRequest) (*SubmitConfirmationResponse, error)
}

var confirmationServiceDesc = grpc.ServiceDesc{
	ServiceName: confirmationServiceName,
	HandlerType: (*ConfirmationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitConfirmation", Handler: submitConfirmationHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func submitConfirmationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitConfirmationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConfirmationServer).SubmitConfirmation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitConfirmationMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConfirmationServer).SubmitConfirmation(ctx, req.(*SubmitConfirmationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterConfirmationServer registers impl on s.
func RegisterConfirmationServer(s grpc.ServiceRegistrar, impl ConfirmationServer) {
	s.RegisterService(&confirmationServiceDesc, impl)
}

// SubmitConfirmation is the client call for ConfirmationService.
func SubmitConfirmation(ctx context.Context, cc grpc.ClientConnInterface, req *SubmitConfirmationRequest, opts ...grpc.CallOption) (*SubmitConfirmationResponse, error) {
	out := new(SubmitConfirmationResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := cc.Invoke(ctx, SubmitConfirmationMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type confirmationService struct {
	ingestor *ingestion.Ingestor
}

func (s *confirmationService) SubmitConfirmation(ctx context.Context, req *SubmitConfirmationRequest) (*SubmitConfirmationResponse, error) {
	et := event.ParseEventType(req.EventType)
	if et == event.EventTypeUnknown {
		return nil, status.Errorf(codes.InvalidArgument, "unknown event_type: %q", req.EventType)
	}
	res, err := s.ingestor.Ingest(ctx, event.EventEnvelope{
		IdempotencyKey: req.IdempotencyKey,
		EventType:      et,
		Source:         "grpc",
		ReceivedAt:     time.Now(),
		Payload:        req.Payload,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return &SubmitConfirmationResponse{Result: string(res)}, nil
}

// ============================================================================
// Server
// ============================================================================

// GRPCServer serves confirmation ingest plus the standard health and
// reflection services.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	log        zerolog.Logger
}

func NewGRPCServer(addr string, ingestor *ingestion.Ingestor, log zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()
	RegisterConfirmationServer(grpcServer, &confirmationService{ingestor: ingestor})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(confirmationServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{grpcServer: grpcServer, health: healthServer, addr: addr, log: log}
}

// Serve serves on lis until ctx is cancelled (blocking).
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Start listens on the configured address and serves (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}
