package hook

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func newHookClient(t *testing.T, gate *Gate) *HookClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterHookServer(srv, NewGRPCServer(gate))
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewHookClient(conn)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestGRPCBeforeToolCall(t *testing.T) {
	f := newGateFixture(t, false)
	client := newHookClient(t, f.gate)
	ctx := context.Background()

	resp, err := client.BeforeToolCall(ctx, mustStruct(t, map[string]any{
		"user_id":   "alice",
		"tool_name": "exec",
		"params":    map[string]any{"command": "rm -rf /tmp/x"},
		"channel":   "telegram",
		"to":        "chat-1",
	}))
	require.NoError(t, err)
	fields := resp.GetFields()
	require.False(t, fields["allow"].GetBoolValue())
	sessionID := fields["session_id"].GetStringValue()
	require.NotEmpty(t, sessionID)

	s, ok := f.mgr.GetSession(sessionID)
	require.True(t, ok)
	require.Equal(t, "rm -rf /tmp/x", s.Context.Command)

	resp, err = client.BeforeToolCall(ctx, mustStruct(t, map[string]any{
		"user_id": "alice",
		"params":  map[string]any{"command": "echo hi"},
	}))
	require.NoError(t, err)
	require.True(t, resp.GetFields()["allow"].GetBoolValue())
}

func TestGRPCOnMessageReceivedAndReauth(t *testing.T) {
	f := newGateFixture(t, true)
	client := newHookClient(t, f.gate)
	ctx := context.Background()

	resp, err := client.OnMessageReceived(ctx, mustStruct(t, map[string]any{"user_id": "bob", "content": "hi"}))
	require.NoError(t, err)
	require.False(t, resp.GetFields()["allow"].GetBoolValue())
	require.Contains(t, resp.GetFields()["verify_url"].GetStringValue(), "/mfa-auth/")

	resp, err = client.Reauth(ctx, mustStruct(t, map[string]any{"user_id": "bob"}))
	require.NoError(t, err)
	require.NotEmpty(t, resp.GetFields()["text"].GetStringValue())
}

func TestGRPCRequiresUserID(t *testing.T) {
	f := newGateFixture(t, false)
	client := newHookClient(t, f.gate)

	_, err := client.BeforeToolCall(context.Background(), mustStruct(t, map[string]any{"tool_name": "exec"}))
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
