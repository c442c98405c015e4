// Package loader implements the Dynamic Plugin Loader (spec.md §4.5) on top
// of wazero, a pure-Go WebAssembly runtime. One wazero.Runtime is shared per
// worker process (the "default module set"); each plugin gets its own
// isolated module instantiation (the "isolated load set"), so two plugins
// loaded in distinct workers never share mutable state, while the host
// functions exposed to every plugin (the stable ABI surface) come from the
// one shared runtime.
package loader

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/ddkit/ddk/internal/errs"
)

// Plugin is the capability set a loaded plugin exposes, satisfied here by
// resolving exported WASM functions under the names PluginId, Name,
// Version, Initialize, GetCommands, Execute, Dispose.
type Plugin interface {
	PluginID() (string, error)
	Name() (string, error)
	Version() (string, error)
	Initialize(ctx context.Context, configJSON string) error
	GetCommands(ctx context.Context) (string, error)
	Execute(ctx context.Context, commandName string, payload []byte) ([]byte, error)
	Dispose(ctx context.Context) error
}

// Loader owns the worker's shared default module set and tracks the
// isolated module instances loaded on top of it.
type Loader struct {
	runtime wazero.Runtime

	mu      sync.Mutex
	loaded  map[string]*wasmPlugin // pluginId -> instance
}

// New builds a Loader with a fresh wazero runtime and WASI host imports
// instantiated into the default module set so every plugin can share them.
func New(ctx context.Context) (*Loader, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, errs.Wrap(err, "instantiate WASI into default module set")
	}
	return &Loader{runtime: rt, loaded: make(map[string]*wasmPlugin)}, nil
}

// Close tears down the shared runtime. All isolated plugin instances must
// have been disposed first.
func (l *Loader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

// Load instantiates the plugin binary at path into an isolated module,
// distinct from every other plugin's instantiation even though all share
// this Loader's default module set for WASI and any common dependency.
func (l *Loader) Load(ctx context.Context, pluginID, path string) (Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.loaded[pluginID]; exists {
		return nil, errs.Mark(errs.Newf("plugin %s already loaded in this worker", pluginID), errs.ErrAlreadyInitialized)
	}

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrapf(err, "read plugin binary %s", path)
	}

	compiled, err := l.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errs.Wrapf(err, "compile plugin %s", pluginID)
	}

	mod, err := l.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(pluginID))
	if err != nil {
		compiled.Close(ctx)
		return nil, errs.Wrapf(err, "instantiate plugin %s", pluginID)
	}

	p := &wasmPlugin{id: pluginID, mod: mod, compiled: compiled}
	l.loaded[pluginID] = p
	return p, nil
}

// Unload disposes a loaded plugin's isolated module, releasing it back to
// nothing referencing the default module set.
func (l *Loader) Unload(ctx context.Context, pluginID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.loaded[pluginID]
	if !ok {
		return errs.Mark(errs.Newf("plugin %s not loaded", pluginID), errs.ErrPluginNotLoaded)
	}
	delete(l.loaded, pluginID)

	if err := p.mod.Close(ctx); err != nil {
		return errs.Wrapf(err, "close plugin module %s", pluginID)
	}
	return p.compiled.Close(ctx)
}

// wasmPlugin implements Plugin over one instantiated WASM module using the
// shared-memory ptr/len calling convention.
type wasmPlugin struct {
	id       string
	mod      api.Module
	compiled wazero.CompiledModule
	mu       sync.Mutex
}

func (p *wasmPlugin) PluginID() (string, error) { return p.callNoArgs("PluginId") }
func (p *wasmPlugin) Name() (string, error)     { return p.callNoArgs("Name") }
func (p *wasmPlugin) Version() (string, error)  { return p.callNoArgs("Version") }

func (p *wasmPlugin) Initialize(ctx context.Context, configJSON string) error {
	_, err := p.callString(ctx, "Initialize", configJSON)
	return err
}

func (p *wasmPlugin) GetCommands(ctx context.Context) (string, error) {
	return p.callString(ctx, "GetCommands", "")
}

func (p *wasmPlugin) Execute(ctx context.Context, commandName string, payload []byte) ([]byte, error) {
	input := fmt.Sprintf("%s\x00%s", commandName, string(payload))
	out, err := p.callString(ctx, "Execute", input)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (p *wasmPlugin) Dispose(ctx context.Context) error {
	_, err := p.callString(ctx, "Dispose", "")
	return err
}

func (p *wasmPlugin) callNoArgs(fnName string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return callNoArgsFn(context.Background(), p.mod, fnName)
}

func (p *wasmPlugin) callString(ctx context.Context, fnName, input string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return callStringFn(ctx, p.mod, fnName, input)
}
