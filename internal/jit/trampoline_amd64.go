//go:build amd64

package jit

// callNative transfers control to a JIT-compiled native function at fn,
// passing ctx as its sole argument (the Ctx pointer a compiled path's
// prologue expects in the SysV-AMD64 first argument register), and
// returns whatever the function left in its return register — a
// *isa.Fault pointer, or nil on a clean fall-through. There is no
// equivalent of this call in the reference corpus: every example repo
// that emits machine code writes it to a standalone binary and execs it,
// never calls back into raw bytes from within the same Go process. A
// minimal assembly trampoline is the least Go provides for
// that operation without cgo.
//
//go:noescape
func callNative(fn, ctx uintptr) uintptr
