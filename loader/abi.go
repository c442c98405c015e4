package loader

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/ddkit/ddk/internal/errs"
)

// callStringFn implements the shared-memory calling convention every plugin
// ABI function follows: strings cross the boundary as (ptr, len) pairs in
// WASM linear memory, allocated via the plugin's own exported wasm_alloc and
// freed via wasm_free. Results are packed as (ptr << 32) | len in a single
// u64 return value.
func callStringFn(ctx context.Context, mod api.Module, fnName string, input string) (string, error) {
	allocFn := mod.ExportedFunction("wasm_alloc")
	freeFn := mod.ExportedFunction("wasm_free")
	targetFn := mod.ExportedFunction(fnName)
	if allocFn == nil || freeFn == nil || targetFn == nil {
		return "", errs.Mark(errs.Newf("plugin: missing export %q", fnName), errs.ErrPluginInitFailed)
	}

	inputBytes := []byte(input)
	inputSize := uint64(len(inputBytes))

	var inputPtr uint64
	if inputSize > 0 {
		results, err := allocFn.Call(ctx, inputSize)
		if err != nil {
			return "", errs.Wrap(err, "plugin alloc")
		}
		inputPtr = results[0]
		if inputPtr == 0 {
			return "", errs.New("plugin alloc returned null")
		}
		if !mod.Memory().Write(uint32(inputPtr), inputBytes) {
			freeFn.Call(ctx, inputPtr, inputSize)
			return "", errs.New("plugin memory write out of range")
		}
	}

	results, err := targetFn.Call(ctx, inputPtr, inputSize)
	if inputSize > 0 {
		freeFn.Call(ctx, inputPtr, inputSize)
	}
	if err != nil {
		return "", errs.Wrapf(err, "plugin call %s", fnName)
	}

	return unpackResult(ctx, mod, freeFn, fnName, results[0])
}

// callNoArgsFn is callStringFn's no-input counterpart, used for PluginId,
// Name, Version.
func callNoArgsFn(ctx context.Context, mod api.Module, fnName string) (string, error) {
	freeFn := mod.ExportedFunction("wasm_free")
	targetFn := mod.ExportedFunction(fnName)
	if freeFn == nil || targetFn == nil {
		return "", errs.Mark(errs.Newf("plugin: missing export %q", fnName), errs.ErrPluginInitFailed)
	}

	results, err := targetFn.Call(ctx)
	if err != nil {
		return "", errs.Wrapf(err, "plugin call %s", fnName)
	}
	return unpackResult(ctx, mod, freeFn, fnName, results[0])
}

func unpackResult(ctx context.Context, mod api.Module, freeFn api.Function, fnName string, packed uint64) (string, error) {
	resultPtr := uint32(packed >> 32)
	resultLen := uint32(packed & 0xFFFFFFFF)
	if resultPtr == 0 || resultLen == 0 {
		return "", nil
	}

	resultBytes, ok := mod.Memory().Read(resultPtr, resultLen)
	if !ok {
		return "", errs.New("plugin memory read out of range")
	}
	output := make([]byte, len(resultBytes))
	copy(output, resultBytes)

	freeFn.Call(ctx, uint64(resultPtr), uint64(resultLen))
	return string(output), nil
}
