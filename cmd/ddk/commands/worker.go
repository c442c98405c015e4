package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ddkit/ddk/internal/config"
	"github.com/ddkit/ddk/internal/logging"
	"github.com/ddkit/ddk/worker"
)

var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker process subcommands, invoked by the host's supervisor",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run as a worker process, serving Forward RPC for one loaded plugin",
	Long: `run is execed by the Worker Process Supervisor, never by an end user.
It reads DDK_PLUGIN_ID, DDK_PLUGIN_ASSEMBLY, DDK_FORWARD_SOCKET and
DDK_REVERSE_SOCKET from the environment, loads the plugin's wasm assembly,
and blocks serving Forward RPC until shut down.`,
	RunE: runWorker,
}

func init() {
	WorkerCmd.AddCommand(workerRunCmd)
}

func runWorker(cmd *cobra.Command, args []string) (err error) {
	log := logging.Named("worker")

	pluginID := os.Getenv("DDK_PLUGIN_ID")
	assemblyPath := os.Getenv("DDK_PLUGIN_ASSEMBLY")
	forwardSocket := os.Getenv("DDK_FORWARD_SOCKET")
	reverseSocket := os.Getenv("DDK_REVERSE_SOCKET")
	if pluginID == "" || assemblyPath == "" || forwardSocket == "" || reverseSocket == "" {
		os.Exit(2)
	}
	_ = reverseSocket // dialed per-Initialize via rpc.InitializeRequest.TokenCallbackSocket, not here

	cfg, err := config.Load()
	if err != nil {
		log.Errorw("load config", "error", err)
		os.Exit(2)
	}
	storageRoot := filepath.Join(cfg.AppDataDir(), "db")

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("worker panicked", "pluginId", pluginID, "panic", r)
			os.Exit(1)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := worker.New(ctx, pluginID, uuid.NewString(), assemblyPath, storageRoot, log)
	if err != nil {
		log.Errorw("load plugin", "pluginId", pluginID, "error", err)
		os.Exit(2)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			log.Infow("worker received termination signal", "pluginId", pluginID)
			os.Exit(130)
		case msg := <-w.InitFailed():
			log.Errorw("plugin initialize failed, exiting", "pluginId", pluginID, "error", msg)
			os.Exit(3)
		case <-ctx.Done():
		}
	}()

	if err := w.Serve(ctx, forwardSocket); err != nil {
		log.Errorw("serve forward rpc", "pluginId", pluginID, "error", err)
		os.Exit(2)
	}
	return nil
}
