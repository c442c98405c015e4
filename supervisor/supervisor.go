// Package supervisor implements the Worker Process Supervisor (spec.md
// §4.1): spawning, health-checking, and stopping isolated worker processes,
// keyed by (pluginId, instanceId).
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/model"
	"github.com/ddkit/ddk/rpc"
)

// WorkerHandle is the supervisor's live view of one worker process.
type WorkerHandle struct {
	Instance *model.WorkerInstance
	Forward  *rpc.ForwardClient

	cmd     *exec.Cmd
	exited  chan struct{} // closed once by watchExit when cmd.Wait() returns
	mu      sync.Mutex
	strikes int
}

// Supervisor manages worker processes keyed by (pluginId, instanceId).
type Supervisor struct {
	log          *zap.SugaredLogger
	startTimeout time.Duration
	rpcTimeout   time.Duration
	pingInterval time.Duration
	healthStrikes int
	gracefulStop time.Duration
	tmpDir       string

	mu      sync.Mutex
	workers map[string]*WorkerHandle
}

// New builds a Supervisor. tmpDir is the per-user temp directory under
// which forward/reverse socket paths are created.
func New(log *zap.SugaredLogger, tmpDir string, startTimeout, rpcTimeout, pingInterval, gracefulStop time.Duration, healthStrikes int) *Supervisor {
	return &Supervisor{
		log: log, tmpDir: tmpDir,
		startTimeout: startTimeout, rpcTimeout: rpcTimeout,
		pingInterval: pingInterval, healthStrikes: healthStrikes,
		gracefulStop: gracefulStop,
		workers:      make(map[string]*WorkerHandle),
	}
}

func key(pluginID, instanceID string) string { return pluginID + "/" + instanceID }

// Start spawns a new worker process for (pluginId, instanceId), waits for
// its discovery line, opens the Forward RPC endpoint, and calls Initialize.
func (s *Supervisor) Start(ctx context.Context, pluginID, instanceID, pluginBinaryPath string, initialConnection *model.Connection, config map[string]string, reverseSocketPath string) (*WorkerHandle, error) {
	pid := os.Getpid()
	forwardSocket := filepath.Join(s.tmpDir, fmt.Sprintf("ddk-%d-%s.sock", pid, pluginID))

	startCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()

	cmd, socketCh, errCh := s.launch(pluginID, pluginBinaryPath, forwardSocket, reverseSocketPath)

	var socketPath string
	select {
	case socketPath = <-socketCh:
	case err := <-errCh:
		return nil, errs.Mark(errs.Wrap(err, "worker process exited before readiness"), errs.ErrWorkerStartFailed)
	case <-startCtx.Done():
		_ = cmd.Process.Kill()
		return nil, errs.Mark(errs.New("worker did not print SOCKET_PATH within start timeout"), errs.ErrWorkerStartFailed)
	}

	forwardClient, err := rpc.DialForward(startCtx, socketPath)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, errs.Mark(errs.Wrap(err, "dial forward endpoint"), errs.ErrWorkerStartFailed)
	}

	connID, connURL := "", ""
	if initialConnection != nil {
		connID, connURL = initialConnection.ID, initialConnection.URL
	}

	initResp, err := forwardClient.Initialize(startCtx, &rpc.InitializeRequest{
		PluginID: pluginID, StoragePath: filepath.Join(s.tmpDir, "..", "storage", pluginID, instanceID),
		Config: config, TokenCallbackSocket: reverseSocketPath,
		ActiveConnectionID: connID, ActiveConnectionURL: connURL,
	})
	if err != nil {
		forwardClient.Close()
		_ = cmd.Process.Kill()
		return nil, errs.Mark(errs.Wrap(err, "initialize RPC"), errs.ErrWorkerStartFailed)
	}
	if !initResp.Success {
		forwardClient.Close()
		_ = cmd.Process.Kill()
		return nil, errs.Mark(errs.Newf("worker initialize failed: %s", initResp.ErrorMessage), errs.ErrWorkerStartFailed)
	}

	handle := &WorkerHandle{
		Instance: &model.WorkerInstance{
			PluginID: pluginID, InstanceID: instanceID, PID: cmd.Process.Pid,
			ForwardSocketPath: socketPath, ReverseSocketPath: reverseSocketPath,
			ConnectionID: connID, Health: model.HealthReady, LastHeartbeat: time.Now(),
		},
		Forward: forwardClient,
		cmd:     cmd,
		exited:  make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[key(pluginID, instanceID)] = handle
	s.mu.Unlock()

	go s.watchExit(pluginID, instanceID, handle)
	go s.healthLoop(pluginID, instanceID)

	return handle, nil
}

// launch re-execs the running ddk host binary with "worker run" (intentionally
// via exec.Command, not exec.CommandContext, so the worker outlives a
// cancelled caller context — only explicit Stop or process exit ends it),
// pointing it at the plugin's wasm assembly through the environment, and
// scans its stdout for the SOCKET_PATH= discovery line.
func (s *Supervisor) launch(pluginID, assemblyPath, forwardSocket, reverseSocket string) (*exec.Cmd, chan string, chan error) {
	hostExe, err := os.Executable()
	if err != nil {
		hostExe = os.Args[0]
	}

	cmd := exec.Command(hostExe, "worker", "run")
	cmd.Env = append(os.Environ(),
		"DDK_PLUGIN_ID="+pluginID,
		"DDK_PLUGIN_ASSEMBLY="+assemblyPath,
		"DDK_TRANSPORT=uds",
		"DDK_FORWARD_SOCKET="+forwardSocket,
		"DDK_REVERSE_SOCKET="+reverseSocket,
	)

	stdout, stdoutErr := cmd.StdoutPipe()
	socketCh := make(chan string, 1)
	errCh := make(chan error, 1)
	if stdoutErr != nil {
		errCh <- stdoutErr
		return cmd, socketCh, errCh
	}

	if err := cmd.Start(); err != nil {
		errCh <- err
		return cmd, socketCh, errCh
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "SOCKET_PATH=") {
				socketCh <- strings.TrimPrefix(line, "SOCKET_PATH=")
				return
			}
			s.log.Debugw("worker stdout", "pluginId", pluginID, "line", line)
		}
		errCh <- errs.Newf("worker %s closed stdout before SOCKET_PATH", pluginID)
	}()

	return cmd, socketCh, errCh
}

// watchExit owns the one cmd.Wait() call for h's process: os/exec leaves
// concurrent Wait calls on the same *exec.Cmd undefined, so Stop never
// calls it directly and instead waits on h.exited, which this closes.
func (s *Supervisor) watchExit(pluginID, instanceID string, h *WorkerHandle) {
	err := h.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	h.mu.Lock()
	h.Instance.Health = model.HealthTerminated
	h.Instance.ExitCode = &exitCode
	h.mu.Unlock()
	close(h.exited)

	s.log.Infow("worker process exited", "pluginId", pluginID, "instanceId", instanceID, "exitCode", exitCode)
}

// healthLoop pings the worker every pingInterval; a ping that fails or gets
// no response within 5s counts as a strike, and healthStrikes consecutive
// strikes mark it Unhealthy and trigger Stop.
func (s *Supervisor) healthLoop(pluginID, instanceID string) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		h, ok := s.workers[key(pluginID, instanceID)]
		s.mu.Unlock()
		if !ok {
			return
		}
		if h.Instance.Health == model.HealthTerminated {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := h.Forward.GetCommands(ctx, &rpc.GetCommandsRequest{})
		cancel()

		h.mu.Lock()
		if err != nil {
			h.strikes++
			if h.strikes >= s.healthStrikes {
				h.Instance.Health = model.HealthUnhealthy
				h.mu.Unlock()
				s.log.Warnw("worker unhealthy, stopping", "pluginId", pluginID, "instanceId", instanceID)
				_ = s.Stop(context.Background(), h)
				return
			}
			h.mu.Unlock()
			continue
		}
		h.strikes = 0
		h.Instance.LastHeartbeat = time.Now()
		h.mu.Unlock()
	}
}

// Execute delegates to the worker's Forward RPC Execute method.
func (s *Supervisor) Execute(ctx context.Context, h *WorkerHandle, commandName string, payload []byte) (*rpc.ExecuteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.rpcTimeout)
	defer cancel()

	resp, err := h.Forward.Execute(ctx, &rpc.ExecuteRequest{
		CommandName: commandName, Payload: payload, CorrelationID: uuid.NewString(),
	})
	if err != nil {
		return nil, errs.Mark(errs.Wrap(err, "execute RPC"), errs.ErrWorkerTerminated)
	}
	return resp, nil
}

// Stop calls Shutdown and waits up to the configured graceful window;
// escalates to SIGTERM then SIGKILL if the process does not exit in time.
func (s *Supervisor) Stop(ctx context.Context, h *WorkerHandle) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.gracefulStop)
	defer cancel()
	_, _ = h.Forward.Shutdown(shutdownCtx, &rpc.ShutdownRequest{})

	select {
	case <-h.exited:
	case <-time.After(s.gracefulStop):
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-h.exited:
		case <-time.After(s.gracefulStop):
			_ = h.cmd.Process.Kill()
			<-h.exited
		}
	}

	s.mu.Lock()
	delete(s.workers, key(h.Instance.PluginID, h.Instance.InstanceID))
	s.mu.Unlock()

	return h.Forward.Close()
}

// IsRunning reports whether the OS process with the given pid is alive, using
// gopsutil for a cross-platform liveness check instead of a raw signal-0
// poll.
func IsRunning(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// Get returns the handle for (pluginId, instanceId), if running.
func (s *Supervisor) Get(pluginID, instanceID string) (*WorkerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.workers[key(pluginID, instanceID)]
	return h, ok
}
