package host

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Required exports of every plugin module.
const (
	ExportMalloc  = "malloc"
	ExportFree    = "free"
	ExportProcess = "process"
	ExportTrain   = "train"
)

// Bridge passes JSON documents in and out of a module's linear memory.
// Exported functions take (ptr, len) and return (ptr<<32 | len) of a
// buffer allocated with the module's malloc; the bridge frees it.
type Bridge struct {
	module api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function
}

// NewBridge checks the module exports memory, malloc and free.
func NewBridge(module api.Module) (*Bridge, error) {
	b := &Bridge{module: module}

	b.memory = module.ExportedMemory("memory")
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	b.malloc = module.ExportedFunction(ExportMalloc)
	if b.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", ExportMalloc)
	}
	b.free = module.ExportedFunction(ExportFree)
	if b.free == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", ExportFree)
	}
	return b, nil
}

// Function returns an exported function or nil.
func (b *Bridge) Function(name string) api.Function {
	return b.module.ExportedFunction(name)
}

// Call invokes fn with input and returns its output. An empty output is
// returned as "{}".
func (b *Bridge) Call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view into module memory; copy before freeing.
	output := make([]byte, len(view))
	copy(output, view)
	_ = b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *Bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}

// Pack encodes a pointer and length as a single return value.
func Pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
