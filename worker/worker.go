// Package worker implements the worker-process side of the three-tier
// plugin runtime: the single object that owns every process-level handle
// (forward endpoint, reverse client, loaded plugin instance) a worker needs,
// so nothing is reachable as an ambient global (spec.md §9).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ddkit/ddk/clientfactory"
	"github.com/ddkit/ddk/indexer"
	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/loader"
	"github.com/ddkit/ddk/multiplexer"
	"github.com/ddkit/ddk/plugincontext"
	"github.com/ddkit/ddk/query"
	"github.com/ddkit/ddk/rpc"
	"github.com/ddkit/ddk/store"
)

// Built-in Execute command names the worker serves itself, ahead of the
// loaded plugin's own GetCommands list.
const (
	CommandStartIndex    = "index.start"
	CommandIndexMetadata = "index.metadata"
	CommandClearIndex    = "index.clear"
	CommandQuery         = "query.run"
	CommandDiff          = "query.diff"
)

const eventPollInterval = 150 * time.Millisecond

// Worker owns one worker process's state for the lifetime of one loaded
// plugin instance: the loader and its plugin, the plugin context, the
// reverse RPC client used for token callbacks, and the domain capabilities
// (indexer pipeline, query engine) the plugin's Execute commands are backed
// by. Fields are initialized in a fixed order by Initialize and torn down
// in reverse order by Shutdown.
type Worker struct {
	pluginID         string
	instanceID       string
	pluginBinaryPath string
	storageRoot      string
	log              *zap.SugaredLogger
	builder          clientfactory.ServiceClientBuilder

	pluginLoader *loader.Loader
	plugin       loader.Plugin

	mu            sync.Mutex
	initialized   bool
	reverseClient *rpc.ReverseClient
	mux           *multiplexer.Multiplexer
	factory       *clientfactory.Factory
	pctx          *plugincontext.Context
	store         *store.Store
	pipeline      *indexer.Pipeline
	queryEngine   *query.Engine
	connectionID  string

	shutdownRequested chan struct{}
	shutdownOnce      sync.Once

	initFailed chan string
}

// New builds a Worker around a freshly-loaded plugin. It does not yet
// serve the Forward RPC endpoint or call the plugin's own Initialize; that
// happens when the Host's Initialize request arrives over Forward RPC.
func New(ctx context.Context, pluginID, instanceID, pluginBinaryPath, storageRoot string, log *zap.SugaredLogger) (*Worker, error) {
	ld, err := loader.New(ctx)
	if err != nil {
		return nil, errs.Wrap(err, "build plugin loader")
	}

	p, err := ld.Load(ctx, pluginID, pluginBinaryPath)
	if err != nil {
		ld.Close(ctx)
		return nil, errs.Wrapf(err, "load plugin %s", pluginID)
	}

	return &Worker{
		pluginID:          pluginID,
		instanceID:        instanceID,
		pluginBinaryPath:  pluginBinaryPath,
		storageRoot:       storageRoot,
		log:               log,
		builder:           newHTTPServiceClient,
		pluginLoader:      ld,
		plugin:            p,
		shutdownRequested: make(chan struct{}),
		initFailed:        make(chan string, 1),
	}, nil
}

// InitFailed reports the error message of the first failed Initialize call,
// if any. The worker entrypoint watches this to decide whether to exit the
// process rather than keep serving a worker no plugin ever initialized.
func (w *Worker) InitFailed() <-chan string { return w.initFailed }

func (w *Worker) failInit(msg string) (*rpc.InitializeResponse, error) {
	select {
	case w.initFailed <- msg:
	default:
	}
	return &rpc.InitializeResponse{Success: false, ErrorMessage: msg}, nil
}

// Serve binds the forward endpoint, prints the SOCKET_PATH discovery line
// the supervisor waits for, and blocks serving Forward RPC until the
// listener closes (normally triggered by Shutdown).
func (w *Worker) Serve(ctx context.Context, forwardSocketPath string) error {
	listener, err := rpc.Listen(forwardSocketPath)
	if err != nil {
		return errs.Wrapf(err, "bind forward socket %s", forwardSocketPath)
	}

	srv := rpc.NewServer()
	srv.RegisterService(&rpc.ForwardServiceDesc, w)

	fmt.Fprintf(os.Stdout, "SOCKET_PATH=%s\n", forwardSocketPath)
	_ = os.Stdout.Sync()

	go func() {
		<-w.shutdownRequested
		srv.GracefulStop()
	}()

	return srv.Serve(listener)
}

// Initialize implements rpc.ForwardServer. Idempotent per worker lifetime:
// a second call fails with ErrAlreadyInitialized.
func (w *Worker) Initialize(ctx context.Context, req *rpc.InitializeRequest) (*rpc.InitializeResponse, error) {
	w.mu.Lock()
	if w.initialized {
		w.mu.Unlock()
		return nil, errs.Mark(errs.New("worker already initialized"), errs.ErrAlreadyInitialized)
	}
	w.mu.Unlock()

	reverseClient, err := rpc.DialReverse(ctx, req.TokenCallbackSocket)
	if err != nil {
		return w.failInit(err.Error())
	}

	mux := multiplexer.New()
	factory := clientfactory.New(req.ActiveConnectionID, reverseClient, mux, w.builder, true, 30*time.Second)
	if req.ActiveConnectionURL != "" {
		factory.RegisterEnvironment(req.ActiveConnectionURL, 10)
	}

	pctx, err := plugincontext.New(req.StoragePath, w.log, factory)
	if err != nil {
		reverseClient.Close()
		return w.failInit(err.Error())
	}

	dbPath := store.DBPath(w.storageRoot, w.pluginID, req.ActiveConnectionID)
	s, err := store.Open(dbPath, w.log)
	if err != nil {
		reverseClient.Close()
		return w.failInit(err.Error())
	}

	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		s.Close()
		reverseClient.Close()
		return w.failInit(err.Error())
	}
	if err := w.plugin.Initialize(ctx, string(configJSON)); err != nil {
		s.Close()
		reverseClient.Close()
		return w.failInit(err.Error())
	}

	name, _ := w.plugin.Name()
	version, _ := w.plugin.Version()

	w.mu.Lock()
	w.reverseClient = reverseClient
	w.mux = mux
	w.factory = factory
	w.pctx = pctx
	w.store = s
	w.connectionID = req.ActiveConnectionID
	w.pipeline = indexer.New(s, newPluginSource(w.plugin), pctx.EmitEvent, w.log)
	w.queryEngine = query.New(s)
	w.initialized = true
	w.mu.Unlock()

	return &rpc.InitializeResponse{Success: true, PluginName: name, PluginVersion: version}, nil
}

// GetCommands implements rpc.ForwardServer: built-in indexer/query commands
// plus whatever the plugin itself declares.
func (w *Worker) GetCommands(ctx context.Context, req *rpc.GetCommandsRequest) (*rpc.GetCommandsResponse, error) {
	commands := []rpc.CommandDescriptor{
		{Name: CommandStartIndex, Label: "Start Index", Description: "Index solutions into the embedded store"},
		{Name: CommandIndexMetadata, Label: "Index Metadata", Description: "Report the embedded store's current index state"},
		{Name: CommandClearIndex, Label: "Clear Index", Description: "Truncate the embedded store for this connection"},
		{Name: CommandQuery, Label: "Query", Description: "Evaluate a filter-AST query over the indexed store"},
		{Name: CommandDiff, Label: "Diff", Description: "Compare a component's attributes across two solution layers"},
	}

	raw, err := w.plugin.GetCommands(ctx)
	if err == nil && raw != "" {
		var pluginCommands []rpc.CommandDescriptor
		if jsonErr := json.Unmarshal([]byte(raw), &pluginCommands); jsonErr == nil {
			commands = append(commands, pluginCommands...)
		}
	}
	return &rpc.GetCommandsResponse{Commands: commands}, nil
}

// Execute implements rpc.ForwardServer, dispatching built-in command names
// to the indexer/query capabilities and forwarding everything else to the
// loaded plugin.
func (w *Worker) Execute(ctx context.Context, req *rpc.ExecuteRequest) (*rpc.ExecuteResponse, error) {
	w.mu.Lock()
	initialized := w.initialized
	w.mu.Unlock()
	if !initialized {
		return nil, errs.Mark(errs.New("worker not initialized"), errs.ErrPluginNotLoaded)
	}

	result, err := w.dispatch(ctx, req.CommandName, req.Payload)
	if err != nil {
		return &rpc.ExecuteResponse{Success: false, ErrorMessage: err.Error(), CorrelationID: req.CorrelationID}, nil
	}
	return &rpc.ExecuteResponse{Success: true, Result: result, CorrelationID: req.CorrelationID}, nil
}

func (w *Worker) dispatch(ctx context.Context, commandName string, payload []byte) ([]byte, error) {
	switch commandName {
	case CommandStartIndex:
		var startReq indexer.StartIndexRequest
		if err := json.Unmarshal(payload, &startReq); err != nil {
			return nil, errs.Wrap(err, "decode StartIndex payload")
		}
		resp, err := w.pipeline.StartIndex(startReq)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)

	case CommandIndexMetadata:
		md, err := w.pipeline.GetIndexMetadata()
		if err != nil {
			return nil, err
		}
		return json.Marshal(md)

	case CommandClearIndex:
		if err := w.store.Clear(); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"success": true})

	case CommandQuery:
		var queryReq query.Request
		if err := json.Unmarshal(payload, &queryReq); err != nil {
			return nil, errs.Wrap(err, "decode Query payload")
		}
		result, err := w.queryEngine.Query(queryReq)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case CommandDiff:
		var diffReq query.DiffRequest
		if err := json.Unmarshal(payload, &diffReq); err != nil {
			return nil, errs.Wrap(err, "decode Diff payload")
		}
		result, err := query.Diff(w.store, diffReq.ComponentID, diffReq.LeftSolution, diffReq.RightSolution)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return w.plugin.Execute(ctx, commandName, payload)
	}
}

// SubscribeEvents implements rpc.ForwardServer: polls the plugin context's
// event buffer and flushes new entries to the stream in emission order
// until the stream's context is cancelled.
func (w *Worker) SubscribeEvents(req *rpc.SubscribeEventsRequest, stream rpc.ForwardService_SubscribeEventsServer) error {
	wanted := toSet(req.EventTypes)

	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()

	cursor := 0
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			w.mu.Lock()
			pctx := w.pctx
			w.mu.Unlock()
			if pctx == nil {
				continue
			}
			events, next := pctx.DrainSince(cursor)
			cursor = next
			for _, ev := range events {
				if len(wanted) > 0 && !wanted[ev.Type] {
					continue
				}
				msg := &rpc.EventMessage{
					PluginID:  w.pluginID,
					Type:      ev.Type,
					Payload:   ev.Payload,
					Timestamp: ev.Timestamp,
					Metadata:  ev.Metadata,
				}
				if err := stream.Send(msg); err != nil {
					return err
				}
			}
		}
	}
}

// Shutdown implements rpc.ForwardServer: disposes the plugin, releases the
// loader's isolated module set, and schedules process exit.
func (w *Worker) Shutdown(ctx context.Context, req *rpc.ShutdownRequest) (*rpc.ShutdownResponse, error) {
	w.mu.Lock()
	s := w.store
	reverseClient := w.reverseClient
	w.mu.Unlock()

	if err := w.plugin.Dispose(ctx); err != nil {
		w.log.Warnw("plugin dispose failed", "pluginId", w.pluginID, "error", err)
	}
	if err := w.pluginLoader.Unload(ctx, w.pluginID); err != nil {
		w.log.Warnw("unload plugin module failed", "pluginId", w.pluginID, "error", err)
	}
	if err := w.pluginLoader.Close(ctx); err != nil {
		w.log.Warnw("close plugin loader failed", "error", err)
	}
	if s != nil {
		s.Close()
	}
	if reverseClient != nil {
		reverseClient.Close()
	}

	w.shutdownOnce.Do(func() { close(w.shutdownRequested) })

	return &rpc.ShutdownResponse{Success: true}, nil
}

// PluginID reports the plugin id this worker was started with
// (DDK_PLUGIN_ID), used by the worker entrypoint to populate startup logging.
func (w *Worker) PluginID() string { return w.pluginID }

// ConnectionID reports the connection this worker instance was bound to at
// Initialize, or "" before Initialize completes.
func (w *Worker) ConnectionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connectionID
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

var _ rpc.ForwardServer = (*Worker)(nil)
