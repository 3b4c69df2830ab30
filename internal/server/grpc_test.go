package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"constellation/backend/internal/claims"
	"constellation/backend/internal/health"
	"constellation/backend/internal/security"
	"constellation/backend/internal/telemetry"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []*telemetry.SecurityEvent
}

func (r *recordingAuditor) LogEvent(ctx context.Context, e *telemetry.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	conn    *grpc.ClientConn
	tokens  *security.TokenProvider
	auditor *recordingAuditor
}

func newFixture(t *testing.T, checker *health.Checker) *fixture {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	auditor := &recordingAuditor{}
	s, hs := NewGRPCServer(Deps{Validator: claims.NewValidator(tokens, nil), Auditor: auditor, Health: checker})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	ctx, cancel := context.WithCancel(context.Background())
	go WatchHealth(ctx, checker, hs, time.Hour, nil)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &fixture{conn: conn, tokens: tokens, auditor: auditor}
}

func (f *fixture) issue(t *testing.T) string {
	t.Helper()
	tok, _, err := f.tokens.IssueAccess(security.AccessSubject{UserID: "user-1", Email: "ada@example.com", Verified: true}, time.Now())
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return tok
}

func TestValidateToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out := new(structpb.Struct)
	if err := f.conn.Invoke(ctx, MethodValidateToken, wrapperspb.String(f.issue(t)), out); err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	fields := out.GetFields()
	if fields["user_id"].GetStringValue() != "user-1" || !fields["verified"].GetBoolValue() {
		t.Errorf("principal = %v", out)
	}

	err := f.conn.Invoke(ctx, MethodValidateToken, wrapperspb.String("garbage"), new(structpb.Struct))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("garbage token code = %v", status.Code(err))
	}
	if f.auditor.count() != 0 {
		t.Errorf("audit events = %d, want none for a rejected ValidateToken", f.auditor.count())
	}
}

func TestWhoAmI(t *testing.T) {
	f := newFixture(t, nil)

	err := f.conn.Invoke(context.Background(), MethodWhoAmI, &emptypb.Empty{}, new(structpb.Struct))
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("anonymous code = %v, want Unauthenticated", status.Code(err))
	}
	if f.auditor.count() != 1 {
		t.Errorf("audit events = %d, want 1 for a denied WhoAmI", f.auditor.count())
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+f.issue(t))
	out := new(structpb.Struct)
	if err := f.conn.Invoke(ctx, MethodWhoAmI, &emptypb.Empty{}, out); err != nil {
		t.Fatalf("WhoAmI: %v", err)
	}
	if out.GetFields()["email"].GetStringValue() != "ada@example.com" {
		t.Errorf("principal = %v", out)
	}
}

func TestHealth(t *testing.T) {
	checker := health.NewChecker(time.Second).Add("database", func(ctx context.Context) error { return nil })
	f := newFixture(t, checker)
	client := healthpb.NewHealthClient(f.conn)

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: TokenServiceName})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never SERVING: %v %v", resp, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchHealth_NotServing(t *testing.T) {
	checker := health.NewChecker(time.Second).Add("database", func(ctx context.Context) error { return errors.New("down") })
	f := newFixture(t, checker)
	client := healthpb.NewHealthClient(f.conn)

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never NOT_SERVING: %v %v", resp, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
}

func TestRegisterServices(t *testing.T) {
	reg := &mockServiceRegistrar{}
	if hs := RegisterServices(reg, Deps{}); hs == nil {
		t.Fatal("health server is nil")
	}
	want := []string{TokenServiceName, "grpc.health.v1.Health"}
	if len(reg.services) != len(want) {
		t.Fatalf("services = %v, want %v", reg.services, want)
	}
	for i := range want {
		if reg.services[i] != want[i] {
			t.Errorf("services[%d] = %q, want %q", i, reg.services[i], want[i])
		}
	}
}
