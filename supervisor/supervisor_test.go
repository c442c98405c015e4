package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/model"
	"github.com/ddkit/ddk/rpc"
)

type fakeForwardServer struct {
	executeErr error
}

func (s *fakeForwardServer) Initialize(ctx context.Context, req *rpc.InitializeRequest) (*rpc.InitializeResponse, error) {
	return &rpc.InitializeResponse{Success: true}, nil
}
func (s *fakeForwardServer) GetCommands(ctx context.Context, req *rpc.GetCommandsRequest) (*rpc.GetCommandsResponse, error) {
	return &rpc.GetCommandsResponse{}, nil
}
func (s *fakeForwardServer) Execute(ctx context.Context, req *rpc.ExecuteRequest) (*rpc.ExecuteResponse, error) {
	if s.executeErr != nil {
		return nil, s.executeErr
	}
	return &rpc.ExecuteResponse{Success: true, Result: req.Payload}, nil
}
func (s *fakeForwardServer) SubscribeEvents(req *rpc.SubscribeEventsRequest, stream rpc.ForwardService_SubscribeEventsServer) error {
	return nil
}
func (s *fakeForwardServer) Shutdown(ctx context.Context, req *rpc.ShutdownRequest) (*rpc.ShutdownResponse, error) {
	return &rpc.ShutdownResponse{Success: true}, nil
}

func startFakeForward(t *testing.T, impl rpc.ForwardServer) *rpc.ForwardClient {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "forward.sock")
	listener, err := rpc.Listen(socket)
	require.NoError(t, err)
	srv := rpc.NewServer()
	srv.RegisterService(&rpc.ForwardServiceDesc, impl)
	go srv.Serve(listener)
	t.Cleanup(srv.GracefulStop)

	client, err := rpc.DialForward(context.Background(), socket)
	require.NoError(t, err)
	return client
}

func newTestSupervisor(t *testing.T) *Supervisor {
	return New(zap.NewNop().Sugar(), t.TempDir(), time.Second, time.Second, time.Hour, 100*time.Millisecond, 3)
}

func TestKey_CombinesPluginAndInstanceID(t *testing.T) {
	assert.Equal(t, "plugin-a/inst-1", key("plugin-a", "inst-1"))
}

func TestIsRunning_FalseForNonexistentPID(t *testing.T) {
	assert.False(t, IsRunning(1<<30))
}

func TestGet_ReturnsFalseWhenWorkerUntracked(t *testing.T) {
	s := newTestSupervisor(t)
	_, ok := s.Get("plugin-a", "inst-1")
	assert.False(t, ok)
}

func TestExecute_WrapsRPCFailureAsWorkerTerminated(t *testing.T) {
	s := newTestSupervisor(t)
	client := startFakeForward(t, &fakeForwardServer{executeErr: assertErr("execute exploded")})
	defer client.Close()

	h := &WorkerHandle{Instance: &model.WorkerInstance{PluginID: "p", InstanceID: "i"}, Forward: client}
	_, err := s.Execute(context.Background(), h, "query.run", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrWorkerTerminated))
}

func TestExecute_SucceedsAndEchoesPayload(t *testing.T) {
	s := newTestSupervisor(t)
	client := startFakeForward(t, &fakeForwardServer{})
	defer client.Close()

	h := &WorkerHandle{Instance: &model.WorkerInstance{PluginID: "p", InstanceID: "i"}, Forward: client}
	resp, err := s.Execute(context.Background(), h, "query.run", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"a":1}`, string(resp.Result))
}

func TestStop_TerminatesProcessAndUntracksHandle(t *testing.T) {
	s := newTestSupervisor(t)
	client := startFakeForward(t, &fakeForwardServer{})

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())

	h := &WorkerHandle{
		Instance: &model.WorkerInstance{PluginID: "p", InstanceID: "i"},
		Forward:  client,
		cmd:      cmd,
		exited:   make(chan struct{}),
	}
	s.mu.Lock()
	s.workers[key("p", "i")] = h
	s.mu.Unlock()
	go s.watchExit("p", "i", h)

	err := s.Stop(context.Background(), h)
	require.NoError(t, err)

	_, ok := s.Get("p", "i")
	assert.False(t, ok)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
