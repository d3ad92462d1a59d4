package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCLI struct {
	t     *testing.T
	state string
	dir   string
}

func setupTestCLI(t *testing.T) *testCLI {
	t.Helper()
	dir := t.TempDir()
	return &testCLI{t: t, state: filepath.Join(dir, "state.json"), dir: dir}
}

func (tc *testCLI) run(args ...string) (string, error) {
	tc.t.Helper()
	var out, errOut bytes.Buffer
	app := newApp(&out, &errOut)
	err := app.Run(append([]string{"genomevm", "--state", tc.state}, args...))
	return out.String(), err
}

func (tc *testCLI) mustRun(args ...string) string {
	tc.t.Helper()
	out, err := tc.run(args...)
	require.NoError(tc.t, err, "genomevm %v", args)
	return out
}

func TestFSCommands(t *testing.T) {
	tc := setupTestCLI(t)

	tc.mustRun("fs", "mkdir", "-p", "/lib/util")
	tc.mustRun("fs", "write", "/lib/util/x.lua", "return 1")
	tc.mustRun("fs", "write", "/genome.lua", "idle()")

	assert.Equal(t, "return 1", tc.mustRun("fs", "cat", "/lib/util/x.lua"))
	ls := tc.mustRun("fs", "ls")
	assert.Contains(t, ls, "lib/\n")
	assert.Contains(t, ls, "---        6 genome.lua\n")
	assert.Regexp(t, `(?m)^d-- +\d+ lib/$`, ls)
	assert.Equal(t, "/genome.lua\n/lib/util/x.lua\n", tc.mustRun("fs", "glob", "/**/*.lua"))

	tc.mustRun("fs", "mv", "/genome.lua", "/g.lua")
	_, err := tc.run("fs", "cat", "/genome.lua")
	assert.Error(t, err)

	tc.mustRun("fs", "rm", "/g.lua")
	_, err = tc.run("fs", "rm", "/lib")
	assert.Error(t, err, "directory not empty")

	_, err = tc.run("fs", "cat")
	assert.Error(t, err)
}

func TestFSRights(t *testing.T) {
	tc := setupTestCLI(t)
	tc.mustRun("fs", "write", "/sys.lua", "return 1")

	assert.Equal(t, "native=false root_only_write=false\n", tc.mustRun("fs", "rights", "/sys.lua"))
	assert.Equal(t, "native=true root_only_write=true\n",
		tc.mustRun("fs", "rights", "--native", "--root-only", "/sys.lua"))

	_, err := tc.run("fs", "write", "/sys.lua", "return 2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	_, err = tc.run("fs", "rights", "--native=false", "/sys.lua")
	assert.Error(t, err)

	tc.mustRun("fs", "write", "--elevated", "/sys.lua", "return 2")
	assert.Equal(t, "return 2", tc.mustRun("fs", "cat", "/sys.lua"))
	assert.Equal(t, "native=true root_only_write=true\n", tc.mustRun("fs", "rights", "/sys.lua"))
}

func TestFSImport(t *testing.T) {
	tc := setupTestCLI(t)
	host := filepath.Join(tc.dir, "host")
	require.NoError(t, os.MkdirAll(filepath.Join(host, "lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(host, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(host, "genome.lua"), []byte("idle()"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(host, "lib", "a.lua"), []byte("return 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(host, ".git", "HEAD"), []byte("ref"), 0o644))
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	require.NoError(t, os.WriteFile(filepath.Join(host, "logo.png"), png, 0o644))

	out := tc.mustRun("fs", "import", host, "/src")
	assert.Equal(t, "imported 2 files, skipped 1 binary files\n", out)
	assert.Equal(t, "/src/genome.lua\n/src/lib/a.lua\n", tc.mustRun("fs", "glob", "/**/*"+".lua"))
	_, err := tc.run("fs", "cat", "/src/.git/HEAD")
	assert.Error(t, err)
}

func TestIsText(t *testing.T) {
	assert.True(t, isText(nil))
	assert.True(t, isText([]byte("move_forward()\n")))
	assert.False(t, isText([]byte{0xff, 0xfe, 0xfd}))
	assert.False(t, isText([]byte{0x1f, 0x8b, 0x08, 0x00}), "gzip")
}

func TestCheck(t *testing.T) {
	tc := setupTestCLI(t)
	good := filepath.Join(tc.dir, "good.lua")
	bad := filepath.Join(tc.dir, "bad.lua")
	require.NoError(t, os.WriteFile(good, []byte("idle()"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("idle("), 0o644))

	out, err := tc.run("check", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 files failed")
	assert.Contains(t, out, "ok   "+good)
	assert.Contains(t, out, "FAIL "+bad+"\n    compile "+bad)

	tc.mustRun("fs", "write", "/genome.lua", "idle()")
	assert.Equal(t, "ok   /genome.lua\n", tc.mustRun("check", "--tree", "/genome.lua"))
}

func TestRunAndHistory(t *testing.T) {
	tc := setupTestCLI(t)
	indexPath := filepath.Join(tc.dir, "index.db")
	tc.mustRun("fs", "write", "/genome.lua", "idle()")
	tc.mustRun("fs", "write", "/main.lua", `fs.write_file("/ran.txt", "yes")`)

	out := tc.mustRun("run", "--interval-ms", "1", "--index", indexPath)
	assert.Contains(t, out, "stopped: empty after 2 ticks\n")
	assert.Contains(t, out, "population 1, births 1, deaths 0, blocked moves 0\n")

	assert.Equal(t, "yes", tc.mustRun("fs", "cat", "/ran.txt"), "the tree is saved after the run")
	assert.Equal(t, "native=true root_only_write=true\n", tc.mustRun("fs", "rights", "/dev/helpers"))

	history := tc.mustRun("history", indexPath)
	assert.Contains(t, history, "tick 0 gen[1] add\n")
	assert.Contains(t, history, "tick 2 stop (empty)\n")

	ticks := tc.mustRun("history", "--ticks", indexPath)
	assert.Contains(t, ticks, "   1      1            1          0      0\n")
}

func TestRunRejectsBadConfig(t *testing.T) {
	tc := setupTestCLI(t)
	cfgPath := filepath.Join(tc.dir, "genomevm.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("scheduler: {tick_limit: 0}\n"), 0o644))

	_, err := tc.run("--config", cfgPath, "run")
	assert.Error(t, err)

	_, err = tc.run("--log-level", "loud", "fs", "ls")
	assert.Error(t, err)
}

func TestDetermineVersion(t *testing.T) {
	assert.Equal(t, "v9.9.9", determineVersion("v9.9.9", "v0"))
	assert.NotEmpty(t, determineVersion("", "v0"))
}
