package jit

import "unsafe"

// CallNative transfers control to the JIT-compiled function at fnAddr,
// passing ctx (an opaque pointer — internal/path casts it from *isa.Ctx,
// and back on return) through the architecture trampoline. See
// trampoline_amd64.go/.s and trampoline_arm64.go/.s.
func CallNative(fnAddr uintptr, ctx unsafe.Pointer) unsafe.Pointer {
	ret := callNative(fnAddr, uintptr(ctx))
	return unsafe.Pointer(ret)
}
