package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-getter"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ddkit/ddk/internal/config"
	"github.com/ddkit/ddk/internal/logging"
	"github.com/ddkit/ddk/internal/version"
	"github.com/ddkit/ddk/manifest"
	"github.com/ddkit/ddk/rpc"
	"github.com/ddkit/ddk/supervisor"
	"github.com/ddkit/ddk/token"
)

var HostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host process subcommands",
}

var hostRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the long-running host process",
	Long: `run starts the host: it loads configuration, opens the Token Provider's
cache, stands up the Reverse RPC listener worker processes dial back through
for token callbacks, and builds the Worker Process Supervisor. With --plugin,
it also starts that plugin's worker immediately; otherwise it blocks ready to
serve a future plugin-start request until interrupted. A UI bridge in a full
build would attach to this process over its own transport.`,
	RunE: runHost,
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Discover and validate plugin manifests",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list <dir>",
	Short: "Discover every valid manifest under a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsList,
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <manifest-path-or-source>",
	Short: "Validate a manifest and report its resolved assembly path",
	Long: `install validates the manifest at a local path, or, with --fetch, first
retrieves it from any source go-getter understands (a git URL, an HTTP
archive, a local directory) into this host's plugin cache before validating.`,
	Args: cobra.ExactArgs(1),
	RunE: runPluginsInstall,
}

func init() {
	pluginsInstallCmd.Flags().Bool("fetch", false, "treat the argument as a go-getter source to download first")
	hostRunCmd.Flags().String("plugin", "", "manifest path of a plugin to launch immediately")
	pluginsCmd.AddCommand(pluginsListCmd)
	pluginsCmd.AddCommand(pluginsInstallCmd)
	HostCmd.AddCommand(hostRunCmd)
	HostCmd.AddCommand(pluginsCmd)
}

func hostVersion() *semver.Version {
	v, err := semver.NewVersion(version.Get().Version)
	if err != nil {
		v = semver.MustParse("0.0.0")
	}
	return v
}

func runPluginsList(cmd *cobra.Command, args []string) error {
	manifests, err := manifest.Discover(args[0], hostVersion())
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		pterm.Warning.Println("no valid manifests found")
		return nil
	}

	rows := pterm.TableData{{"ID", "Name", "Version"}}
	for _, m := range manifests {
		rows = append(rows, []string{m.ID, m.Name, m.Version})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

var nonSlugChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// pluginCacheDirName derives a filesystem-safe directory name from an
// arbitrary go-getter source string (a URL, scp-style git ref, or path).
func pluginCacheDirName(source string) string {
	name := nonSlugChars.ReplaceAllString(strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)), "-")
	if name == "" || name == "-" || name == "." || name == ".." {
		name = "plugin"
	}
	return name
}

func runPluginsInstall(cmd *cobra.Command, args []string) error {
	source := args[0]
	manifestPath := source

	if fetch, _ := cmd.Flags().GetBool("fetch"); fetch {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		pwd, err := os.Getwd()
		if err != nil {
			pwd = "."
		}
		detected, err := getter.Detect(source, pwd, getter.Detectors)
		if err != nil {
			return fmt.Errorf("detect plugin source %q: %w", source, err)
		}

		dstDir := filepath.Join(cfg.AppDataDir(), "plugins", pluginCacheDirName(source))
		pterm.Info.Printf("fetching plugin from %s into %s\n", detected, dstDir)
		if err := getter.Get(dstDir, detected); err != nil {
			return fmt.Errorf("fetch plugin %q: %w", source, err)
		}
		manifestPath = filepath.Join(dstDir, "manifest.ddkplugin.json")
	}

	m, err := manifest.Load(manifestPath, hostVersion())
	if err != nil {
		pterm.Error.Printf("manifest invalid: %v\n", err)
		return err
	}
	assembly, err := m.AssemblyPath()
	if err != nil {
		return err
	}

	pterm.Success.Printf("plugin %s (%s) v%s\n", m.ID, m.Name, m.Version)
	pterm.Info.Printf("assembly: %s\n", assembly)
	return nil
}

// reverseTokenServer implements rpc.ReverseServer, the Host side of the
// token-proxy channel a worker's client callback dials back through to
// reach the Host's Token Provider.
type reverseTokenServer struct {
	provider *token.Provider
}

func (s *reverseTokenServer) GetAccessToken(ctx context.Context, req *rpc.GetAccessTokenRequest) (*rpc.GetAccessTokenResponse, error) {
	accessToken, expiresAt, err := s.provider.GetAccessToken(ctx, req.ConnectionID, req.Resource)
	if err != nil {
		return &rpc.GetAccessTokenResponse{Success: false, ErrorMessage: err.Error()}, nil
	}
	return &rpc.GetAccessTokenResponse{Success: true, AccessToken: accessToken, ExpiresAtUnix: expiresAt.Unix()}, nil
}

func runHost(cmd *cobra.Command, args []string) error {
	log := logging.Named("host")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tmpDir := filepath.Join(cfg.AppDataDir(), "run")
	if err := os.MkdirAll(tmpDir, 0o700); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	cache, err := token.OpenCache(
		filepath.Join(cfg.AppDataDir(), "token", "cache.db"),
		filepath.Join(cfg.AppDataDir(), "token", "cache.key"),
	)
	if err != nil {
		return fmt.Errorf("open token cache: %w", err)
	}
	defer cache.Close()

	identity := token.NewOAuthProvider(
		cfg.TokenClientID(), cfg.TokenClientSecret(),
		cfg.TokenAuthEndpoint(), cfg.TokenTokenEndpoint(), cfg.TokenUserEndpoint(),
	)
	provider := token.NewProvider(identity, cache, cfg.TokenExpirySkew(), func(connectionID string) {
		log.Warnw("session expired, re-authentication required", "connectionId", connectionID)
	})

	reverseSocket := filepath.Join(tmpDir, "ddk-reverse.sock")
	reverseListener, err := rpc.Listen(reverseSocket)
	if err != nil {
		return fmt.Errorf("listen reverse rpc: %w", err)
	}
	reverseSrv := rpc.NewServer()
	reverseSrv.RegisterService(&rpc.ReverseServiceDesc, &reverseTokenServer{provider: provider})
	go reverseSrv.Serve(reverseListener)
	defer reverseSrv.GracefulStop()

	// sup is the object a UI bridge would hand plugin-start/stop requests to;
	// every worker it spawns dials reverseSocket back for token callbacks.
	sup := supervisor.New(log, tmpDir,
		cfg.WorkerStartTimeout(), cfg.RPCTimeout(), cfg.HealthPingInterval(),
		cfg.GracefulShutdownTimeout(), cfg.HealthStrikes())

	log.Infow("host started", "appDataDir", cfg.AppDataDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handle *supervisor.WorkerHandle
	if pluginManifest, _ := cmd.Flags().GetString("plugin"); pluginManifest != "" {
		m, err := manifest.Load(pluginManifest, hostVersion())
		if err != nil {
			return fmt.Errorf("load plugin manifest: %w", err)
		}
		assembly, err := m.AssemblyPath()
		if err != nil {
			return err
		}
		instanceID := uuid.NewString()
		handle, err = sup.Start(ctx, m.ID, instanceID, assembly, nil, nil, reverseSocket)
		if err != nil {
			return fmt.Errorf("start plugin worker: %w", err)
		}
		log.Infow("plugin worker started", "pluginId", m.ID, "instanceId", instanceID)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Infow("host shutting down")
	case <-ctx.Done():
	}

	if handle != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*cfg.GracefulShutdownTimeout())
		defer stopCancel()
		if err := sup.Stop(stopCtx, handle); err != nil {
			log.Warnw("stop plugin worker", "error", err)
		}
	}
	return nil
}
