package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ddkit/ddk/indexer"
	"github.com/ddkit/ddk/loader"
	"github.com/ddkit/ddk/query"
	"github.com/ddkit/ddk/rpc"
	"github.com/ddkit/ddk/store"
)

// fakePlugin is a loader.Plugin stand-in that answers the reserved
// __indexer.* source commands with a single trivial solution/component, so
// Worker.Execute(index.start) can be driven end to end without a real
// wasm plugin binary.
type fakePlugin struct {
	initialized bool
	disposed    bool
	commands    string
}

func (f *fakePlugin) PluginID() (string, error) { return "test-plugin", nil }
func (f *fakePlugin) Name() (string, error)     { return "Test Plugin", nil }
func (f *fakePlugin) Version() (string, error)  { return "1.0.0", nil }

func (f *fakePlugin) Initialize(ctx context.Context, configJSON string) error {
	f.initialized = true
	return nil
}

func (f *fakePlugin) GetCommands(ctx context.Context) (string, error) {
	return f.commands, nil
}

func (f *fakePlugin) Execute(ctx context.Context, commandName string, payload []byte) ([]byte, error) {
	switch commandName {
	case "__indexer.fetchSolutions":
		return json.Marshal(map[string]interface{}{
			"solutions": []indexer.SourceSolution{{SolutionID: "sol-1", UniqueName: "Contoso"}},
		})
	case "__indexer.fetchSolutionComponents":
		return json.Marshal(map[string]interface{}{
			"components": []indexer.SourceComponentRef{{ObjectID: "obj-1", ComponentType: "Entity", LogicalName: "account"}},
		})
	case "__indexer.fetchComponentLayers":
		return json.Marshal(map[string]interface{}{
			"layers": []indexer.SourceLayerRef{{SolutionID: "sol-1", SolutionName: "Contoso", CreatedOn: time.Unix(0, 0).UTC()}},
		})
	case "__indexer.fetchComponentJson":
		return json.Marshal(map[string]interface{}{"componentJson": ""})
	case "__indexer.fetchTableLogicalName":
		return json.Marshal(map[string]interface{}{"tableLogicalName": ""})
	case "__indexer.fetchChangedAttributes":
		return json.Marshal(map[string]interface{}{"changed": map[string]bool{}})
	default:
		return []byte(`{"echo":true}`), nil
	}
}

func (f *fakePlugin) Dispose(ctx context.Context) error {
	f.disposed = true
	return nil
}

func newTestWorker(t *testing.T, plugin loader.Plugin) *Worker {
	t.Helper()
	ctx := context.Background()

	ld, err := loader.New(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { ld.Close(ctx) })

	dbRoot := t.TempDir()
	w := &Worker{
		pluginID:          "test-plugin",
		instanceID:        "inst-1",
		storageRoot:       dbRoot,
		log:               zap.NewNop().Sugar(),
		builder:           newHTTPServiceClient,
		pluginLoader:      ld,
		plugin:            plugin,
		shutdownRequested: make(chan struct{}),
	}
	return w
}

func newInitializedWorker(t *testing.T) (*Worker, *fakePlugin) {
	t.Helper()
	plugin := &fakePlugin{}
	w := newTestWorker(t, plugin)

	reverseSocket := filepath.Join(t.TempDir(), "reverse.sock")
	listener, err := rpc.Listen(reverseSocket)
	require.NoError(t, err)
	srv := rpc.NewServer()
	srv.RegisterService(&rpc.ReverseServiceDesc, &stubReverseServer{})
	go srv.Serve(listener)
	t.Cleanup(srv.GracefulStop)

	resp, err := w.Initialize(context.Background(), &rpc.InitializeRequest{
		PluginID:            "test-plugin",
		StoragePath:         t.TempDir(),
		Config:               map[string]string{},
		TokenCallbackSocket: reverseSocket,
		ActiveConnectionID:  "conn-1",
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	return w, plugin
}

type stubReverseServer struct{}

func (s *stubReverseServer) GetAccessToken(ctx context.Context, req *rpc.GetAccessTokenRequest) (*rpc.GetAccessTokenResponse, error) {
	return &rpc.GetAccessTokenResponse{Success: true, AccessToken: "test-token", ExpiresAtUnix: time.Now().Add(time.Hour).Unix()}, nil
}

func TestInitialize_RejectsSecondCall(t *testing.T) {
	w, _ := newInitializedWorker(t)
	_, err := w.Initialize(context.Background(), &rpc.InitializeRequest{})
	require.Error(t, err)
	_ = w
}

func TestGetCommands_MergesBuiltinsAndPlugin(t *testing.T) {
	plugin := &fakePlugin{commands: `[{"name":"customThing","label":"Custom"}]`}
	w := newTestWorker(t, plugin)
	w.initialized = true
	w.store = mustOpenStore(t)
	w.pipeline = nil // GetCommands doesn't need the pipeline

	resp, err := w.GetCommands(context.Background(), &rpc.GetCommandsRequest{})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, c := range resp.Commands {
		names[c.Name] = true
	}
	assert.True(t, names[CommandStartIndex])
	assert.True(t, names[CommandQuery])
	assert.True(t, names["customThing"])
}

func TestExecute_BuiltinIndexLifecycle(t *testing.T) {
	w, _ := newInitializedWorker(t)

	startPayload, err := json.Marshal(indexer.StartIndexRequest{
		ConnectionID:    "conn-1",
		SourceSolutions: []string{"Contoso"},
		TargetSolutions: []string{"Contoso"},
	})
	require.NoError(t, err)

	resp, err := w.Execute(context.Background(), &rpc.ExecuteRequest{CommandName: CommandStartIndex, Payload: startPayload})
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.Eventually(t, func() bool {
		out, err := w.Execute(context.Background(), &rpc.ExecuteRequest{CommandName: CommandIndexMetadata})
		if err != nil || !out.Success {
			return false
		}
		var md indexer.IndexMetadata
		_ = json.Unmarshal(out.Result, &md)
		return md.HasIndex
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecute_DiffRoutesToQueryDiff(t *testing.T) {
	w, _ := newInitializedWorker(t)

	payload, err := json.Marshal(query.DiffRequest{
		ComponentID:   "missing-component",
		LeftSolution:  "Core",
		RightSolution: "Patch",
	})
	require.NoError(t, err)

	resp, err := w.Execute(context.Background(), &rpc.ExecuteRequest{CommandName: CommandDiff, Payload: payload})
	require.NoError(t, err)
	require.True(t, resp.Success)

	var diff query.DiffResult
	require.NoError(t, json.Unmarshal(resp.Result, &diff))
	assert.Len(t, diff.Warnings, 2)
}

func TestExecute_UnknownCommandForwardsToPlugin(t *testing.T) {
	w, _ := newInitializedWorker(t)
	resp, err := w.Execute(context.Background(), &rpc.ExecuteRequest{CommandName: "plugin.customThing", Payload: []byte("{}")})
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"echo":true}`, string(resp.Result))
}

func TestExecute_RejectsBeforeInitialize(t *testing.T) {
	w := newTestWorker(t, &fakePlugin{})
	_, err := w.Execute(context.Background(), &rpc.ExecuteRequest{CommandName: CommandQuery})
	require.Error(t, err)
}

func TestShutdown_DisposesPlugin(t *testing.T) {
	w, plugin := newInitializedWorker(t)
	resp, err := w.Shutdown(context.Background(), &rpc.ShutdownRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, plugin.disposed)
}

func mustOpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
