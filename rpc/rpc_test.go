package rpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeForwardServer struct {
	events []*EventMessage
}

func (s *fakeForwardServer) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResponse, error) {
	return &InitializeResponse{Success: true, PluginName: "test-plugin " + req.PluginID}, nil
}

func (s *fakeForwardServer) GetCommands(ctx context.Context, req *GetCommandsRequest) (*GetCommandsResponse, error) {
	return &GetCommandsResponse{Commands: []CommandDescriptor{{Name: "query.run", Label: "Run Query"}}}, nil
}

func (s *fakeForwardServer) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	return &ExecuteResponse{Success: true, Result: req.Payload, CorrelationID: req.CorrelationID}, nil
}

func (s *fakeForwardServer) SubscribeEvents(req *SubscribeEventsRequest, stream ForwardService_SubscribeEventsServer) error {
	for _, ev := range s.events {
		if err := stream.Send(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeForwardServer) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	return &ShutdownResponse{Success: true}, nil
}

func startForwardServer(t *testing.T, impl ForwardServer) *ForwardClient {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "forward.sock")
	listener, err := Listen(socket)
	require.NoError(t, err)
	srv := NewServer()
	srv.RegisterService(&ForwardServiceDesc, impl)
	go srv.Serve(listener)
	t.Cleanup(srv.GracefulStop)

	client, err := DialForward(context.Background(), socket)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestForwardClient_InitializeRoundTrips(t *testing.T) {
	client := startForwardServer(t, &fakeForwardServer{})
	resp, err := client.Initialize(context.Background(), &InitializeRequest{PluginID: "com.example.plugin"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "test-plugin com.example.plugin", resp.PluginName)
}

func TestForwardClient_GetCommandsRoundTrips(t *testing.T) {
	client := startForwardServer(t, &fakeForwardServer{})
	resp, err := client.GetCommands(context.Background(), &GetCommandsRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Commands, 1)
	assert.Equal(t, "query.run", resp.Commands[0].Name)
}

func TestForwardClient_ExecuteEchoesPayloadAndCorrelationID(t *testing.T) {
	client := startForwardServer(t, &fakeForwardServer{})
	resp, err := client.Execute(context.Background(), &ExecuteRequest{
		CommandName:   "index.start",
		Payload:       []byte(`{"connectionId":"conn-1"}`),
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.JSONEq(t, `{"connectionId":"conn-1"}`, string(resp.Result))
}

func TestForwardClient_SubscribeEventsStreamsInOrder(t *testing.T) {
	impl := &fakeForwardServer{events: []*EventMessage{
		{PluginID: "p1", Type: "plugin:sla:index-progress", Timestamp: time.Unix(1, 0)},
		{PluginID: "p1", Type: "plugin:sla:index-complete", Timestamp: time.Unix(2, 0)},
	}}
	client := startForwardServer(t, impl)

	stream, err := client.SubscribeEvents(context.Background(), &SubscribeEventsRequest{})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "plugin:sla:index-progress", first.Type)

	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "plugin:sla:index-complete", second.Type)
}

func TestForwardClient_ShutdownRoundTrips(t *testing.T) {
	client := startForwardServer(t, &fakeForwardServer{})
	resp, err := client.Shutdown(context.Background(), &ShutdownRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

type fakeReverseServer struct{}

func (s *fakeReverseServer) GetAccessToken(ctx context.Context, req *GetAccessTokenRequest) (*GetAccessTokenResponse, error) {
	return &GetAccessTokenResponse{Success: true, AccessToken: "token-for-" + req.ConnectionID, ExpiresAtUnix: time.Now().Add(time.Hour).Unix()}, nil
}

func TestReverseClient_GetAccessTokenRoundTrips(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "reverse.sock")
	listener, err := Listen(socket)
	require.NoError(t, err)
	srv := NewServer()
	srv.RegisterService(&ReverseServiceDesc, &fakeReverseServer{})
	go srv.Serve(listener)
	t.Cleanup(srv.GracefulStop)

	client, err := DialReverse(context.Background(), socket)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.GetAccessToken(context.Background(), &GetAccessTokenRequest{ConnectionID: "conn-1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "token-for-conn-1", resp.AccessToken)
}

func TestUnknownMethodHandler_RejectsUnregisteredMethod(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "forward.sock")
	listener, err := Listen(socket)
	require.NoError(t, err)
	srv := NewServer()
	srv.RegisterService(&ForwardServiceDesc, &fakeForwardServer{})
	go srv.Serve(listener)
	t.Cleanup(srv.GracefulStop)

	conn, err := dialUnix(context.Background(), socket)
	require.NoError(t, err)
	defer conn.Close()

	out := new(GetCommandsResponse)
	err = conn.Invoke(context.Background(), "/"+ForwardServiceName+"/NoSuchMethod", &GetCommandsRequest{}, out, callOpts()...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered for method")
}

func TestDialForward_FailsAgainstNonexistentSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialForward(ctx, filepath.Join(t.TempDir(), "does-not-exist.sock"))
	require.Error(t, err)
}
