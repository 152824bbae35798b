// Command blink is the emulator's process-level driver: it loads a guest
// ELF64 binary, builds its initial System/Machine, and runs the per-thread
// actor loop until the guest exits.
//
// Grounded on _examples/original_source/blink/blink.c's top-level main
// (parse argv, load the binary, spawn the first thread, loop until exit)
// and on the teacher's own cmd/ entry-point shape (tinyrange-rtg's own
// command wiring reads flags, builds one top-level object graph, and
// drives it — the same three-step shape followed here).
package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fengjixuchui/blink/internal/cpu"
	"github.com/fengjixuchui/blink/internal/dispatch"
	"github.com/fengjixuchui/blink/internal/elfload"
	"github.com/fengjixuchui/blink/internal/isa"
	"github.com/fengjixuchui/blink/internal/path"
	"github.com/fengjixuchui/blink/internal/sysv"
	"github.com/fengjixuchui/blink/internal/syscall"
	"github.com/fengjixuchui/blink/internal/thread"
	"github.com/fengjixuchui/blink/internal/vmem"
	"github.com/fengjixuchui/blink/internal/xlog"
)

const (
	// imageEnd/proximity/leeway anchor the JIT's proximate-address cursor
	// (spec §4.4). imageEnd is a placeholder for this process's own
	// loaded image end since Go binaries don't expose that address the
	// way blink's C build does via a linker symbol; proximity/leeway
	// follow spec's x86-64 figures (±2GiB reach, with a safety leeway).
	imageEndGuess = 0x10000000
	proximity     = 1 << 31
	leeway        = 1 << 24

	stackSize = 8 * 1024 * 1024
	stackTop  = 0x7ffffffff000
)

// Option globals set by parseArgs, following the teacher's own
// main.go convention of package-level option variables fed by a manual
// os.Args scan rather than the stdlib flag package (the same shape
// std/compiler/main.go uses for -o/-T/-tags/-run).
var (
	verboseCategories string
	overlayRoot       string
)

func main() {
	program, programArgs := parseArgs(os.Args)

	level := xlog.LevelInfo
	if verboseCategories != "" {
		level = xlog.LevelDebug
	}
	logger := xlog.New(os.Stderr, level)
	for _, cat := range strings.Split(verboseCategories, ",") {
		if cat != "" {
			logger.EnableCategory(cat)
		}
	}

	code, err := run(program, programArgs, os.Environ(), overlayRoot, logger)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(127)
	}
	os.Exit(code)
}

// parseArgs hand-parses os.Args the way std/compiler/main.go does: a
// manual "for i < len(os.Args)" switch over flag strings, stopping at the
// first non-flag argument (the guest program path) and treating
// everything after it as the guest's own argv.
func parseArgs(args []string) (program string, programArgs []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [-v cat1,cat2] [-overlay dir] program [args...]\n", args[0])
		os.Exit(2)
	}
	i := 1
	for i < len(args) {
		if args[i] == "-v" && i+1 < len(args) {
			verboseCategories = args[i+1]
			i = i + 2
		} else if args[i] == "-overlay" && i+1 < len(args) {
			overlayRoot = args[i+1]
			i = i + 2
		} else {
			break
		}
	}
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "usage: %s [-v cat1,cat2] [-overlay dir] program [args...]\n", args[0])
		os.Exit(2)
	}
	return args[i], args[i+1:]
}

// run loads path as the guest's initial image, builds its first thread,
// and drives the actor loop (spec §4.6/§4.7) until the whole process
// (every thread) has exited, returning the guest's reported exit code.
func run(path_ string, argv, envp []string, overlayRoot string, logger *xlog.Logger) (int, error) {
	data, err := elfload.ReadFile(resolvePath(path_, overlayRoot))
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path_, err)
	}
	img, err := elfload.Parse(data)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path_, err)
	}

	space := vmem.NewSpace(vmem.Limits{})
	sys := sysv.New(space, imageEndGuess, proximity, leeway)
	space.OnExecutable = func(lo, hi uint64) { sys.Jit.Hooks.Clear(lo, hi) }
	sys.Cwd, _ = os.Getwd()

	entry, brkStart, err := elfload.Map(space, img)
	if err != nil {
		return 0, fmt.Errorf("mapping %s: %w", path_, err)
	}
	sys.Brk = brkStart

	if _, err := space.SysMmap(stackTop-stackSize, stackSize, vmem.ProtRead|vmem.ProtWrite, vmem.MapFixed|vmem.MapAnonymous, -1, 0, false); err != nil {
		return 0, fmt.Errorf("mapping initial stack: %w", err)
	}
	stackMem := &isa.Mem{Space: space, TLB: &vmem.ThreadTLB{}, Stash: &vmem.Stash{}}
	space.RegisterTLB(stackMem.TLB)

	fullArgv := append([]string{path_}, argv...)
	auxv := []uint64{3 /* AT_PHDR */, 0, 9 /* AT_ENTRY */, entry, 0, 0}
	sp, err := elfload.Stack(stackMem, stackTop, fullArgv, envp, auxv)
	if err != nil {
		return 0, fmt.Errorf("building initial stack: %w", err)
	}

	builder := path.New(sys.Jit)
	m := thread.Spawn(sys, space, builder)
	m.PC, m.OldPC = entry, entry
	m.Regs.Gpr[cpu.RSP] = sp

	var runningWG sync.WaitGroup
	sys.ExecCallback = func(target string, nargv, nenvp []string) error {
		return fmt.Errorf("execve: re-exec not supported by this process's own loader")
	}

	disp := dispatch.New(sys, builder)
	sc := syscall.New()

	var exitCode atomic.Int32

	runningWG.Add(1)
	runActor(disp, sc, m, logger, &runningWG, &exitCode)
	runningWG.Wait()

	return int(exitCode.Load()), nil
}

// runActor drives one Machine through Step/Dispatch until it exits,
// spawning a goroutine for any thread clone()/fork() produces (spec
// §4.6/§4.9: "the actor loop" running once per live guest thread).
func runActor(disp *dispatch.Dispatcher, sc *syscall.Dispatcher, m *thread.Machine, logger *xlog.Logger, wg *sync.WaitGroup, exitCode *atomic.Int32) {
	defer wg.Done()
	for {
		outcome := disp.Step(m)
		if outcome.Exited {
			logger.Trace(xlog.Thr, "thread %d exiting", m.TID)
			m.Exit()
			return
		}
		if outcome.Fault != nil {
			logger.Error("thread %d fault: %v", m.TID, outcome.Fault)
			m.Kill()
			continue
		}
		if !outcome.WantSyscall {
			continue
		}
		logger.Trace(xlog.Sys, "thread %d syscall nr=%d", m.TID, m.Regs.Gpr[cpu.RAX])
		res := sc.Dispatch(m)
		if res.Spawned != nil {
			wg.Add(1)
			go runActor(disp, sc, res.Spawned, logger, wg, exitCode)
		}
		if res.Exited {
			exitCode.Store(res.ExitCode)
			m.Exit()
			return
		}
	}
}

// resolvePath joins root onto path when root is set, for absolute and
// relative paths alike (a leading slash is dropped before joining), the
// overlay-root redirection spec's ambient CLI surface names (the
// guest sees its own unmodified path argument; only the host-side open
// is redirected under root).
func resolvePath(path, root string) string {
	if root == "" {
		return path
	}
	return root + "/" + strings.TrimPrefix(path, "/")
}
