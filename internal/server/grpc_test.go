package server_test

import (
	"MarketLedger/internal/server"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func dialGRPC(t *testing.T, a *testAPI) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := server.NewGRPCServer("", a.ingestor, zerolog.Nop())
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// ============================================================================
// Test: gRPC confirmation ingest
// ============================================================================

func TestGRPC_SubmitConfirmation(t *testing.T) {
	a := newTestAPI(t)
	conn := dialGRPC(t, a)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, _ := json.Marshal(map[string]any{
		"tx_hash":       "0xgrpc",
		"user_id":       a.buyer.String(),
		"blockchain":    "TRC20",
		"amount":        "12",
		"confirmations": 3,
	})
	req := &server.SubmitConfirmationRequest{EventType: "deposit_observed", Payload: payload}

	resp, err := server.SubmitConfirmation(ctx, conn, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Result != "applied" {
		t.Errorf("result: %s", resp.Result)
	}

	resp, err = server.SubmitConfirmation(ctx, conn, req)
	if err != nil || resp.Result != "duplicate" {
		t.Fatalf("redelivery: %+v %v", resp, err)
	}

	if bal, _ := a.engine.Balance(ctx, a.buyer, "USDT"); bal != 12_000_000 {
		t.Errorf("credited once: %d", bal)
	}
}

func TestGRPC_StatusCodes(t *testing.T) {
	a := newTestAPI(t)
	conn := dialGRPC(t, a)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := server.SubmitConfirmation(ctx, conn, &server.SubmitConfirmationRequest{EventType: "trade_fill", Payload: json.RawMessage(`{}`)})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("unknown type: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{"escrow_id": uuid.NewString(), "success": true})
	_, err = server.SubmitConfirmation(ctx, conn, &server.SubmitConfirmationRequest{EventType: "transfer_outcome", Payload: payload})
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown escrow: %v", err)
	}
}

func TestGRPC_Health(t *testing.T) {
	a := newTestAPI(t)
	conn := dialGRPC(t, a)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status: %s", resp.Status)
	}
}
