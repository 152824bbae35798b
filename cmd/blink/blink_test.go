package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseArgs covers parseArgs's hand-rolled os.Args scan (the
// std/compiler/main.go idiom): flags before the guest program path are
// consumed, and everything from the program path onward is treated as
// the guest's own argv.
func TestParseArgs(t *testing.T) {
	cases := []struct {
		name        string
		args        []string
		wantProgram string
		wantArgs    []string
		wantVerbose string
		wantOverlay string
	}{
		{
			name:        "no flags",
			args:        []string{"blink", "/bin/true"},
			wantProgram: "/bin/true",
			wantArgs:    []string{},
		},
		{
			name:        "program with its own args",
			args:        []string{"blink", "/bin/echo", "hi", "there"},
			wantProgram: "/bin/echo",
			wantArgs:    []string{"hi", "there"},
		},
		{
			name:        "-v before program",
			args:        []string{"blink", "-v", "SYS,JIT", "/bin/true"},
			wantProgram: "/bin/true",
			wantArgs:    []string{},
			wantVerbose: "SYS,JIT",
		},
		{
			name:        "-overlay before program",
			args:        []string{"blink", "-overlay", "/srv/root", "/bin/true", "-x"},
			wantProgram: "/bin/true",
			wantArgs:    []string{"-x"},
			wantOverlay: "/srv/root",
		},
		{
			name:        "both flags, any order stops at first non-flag",
			args:        []string{"blink", "-v", "all", "-overlay", "/srv/root", "/bin/true"},
			wantProgram: "/bin/true",
			wantArgs:    []string{},
			wantVerbose: "all",
			wantOverlay: "/srv/root",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			verboseCategories, overlayRoot = "", ""
			program, programArgs := parseArgs(c.args)
			assert.Equal(t, c.wantProgram, program)
			if len(c.wantArgs) == 0 {
				assert.Empty(t, programArgs)
			} else {
				assert.Equal(t, c.wantArgs, programArgs)
			}
			assert.Equal(t, c.wantVerbose, verboseCategories)
			assert.Equal(t, c.wantOverlay, overlayRoot)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Run("no overlay root returns path unchanged", func(t *testing.T) {
		assert.Equal(t, "/bin/true", resolvePath("/bin/true", ""))
	})

	t.Run("overlay root joins an absolute guest path", func(t *testing.T) {
		assert.Equal(t, "/srv/root/bin/true", resolvePath("/bin/true", "/srv/root"))
	})

	t.Run("overlay root joins a relative guest path", func(t *testing.T) {
		got := resolvePath("bin/true", "/srv/root")
		require.Equal(t, "/srv/root/bin/true", got)
	})
}
