//go:build wasip1

package main

import "unsafe"

// buffers keeps allocations reachable until the host frees them.
var buffers = map[uint32][]byte{}

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	buffers[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(buffers, ptr)
}

//go:wasmexport process
func process(ptr, length uint32) uint64 {
	var input []byte
	if length > 0 {
		input = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
	}
	out := handleProcess(input)

	p := malloc(uint32(len(out)))
	copy(buffers[p], out)
	return uint64(p)<<32 | uint64(len(out))
}
