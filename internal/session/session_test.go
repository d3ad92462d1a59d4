package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genomevm/internal/config"
	"genomevm/internal/genome"
	"genomevm/internal/geom"
	"genomevm/internal/index"
	"genomevm/internal/journal"
	"genomevm/internal/vfs"
	"genomevm/internal/world"
)

func setupTestSession(t *testing.T, genomeSrc string, tweak func(*config.Config)) (*Session, *vfs.FileSystem, *config.Config) {
	t.Helper()

	fsys := vfs.New()
	require.NoError(t, fsys.WriteFile("/genome.lua", genomeSrc, vfs.WriteOptions{}))

	cfg := config.Default()
	cfg.Scheduler.TickIntervalMs = 1
	cfg.Scheduler.TickLimit = 50
	cfg.World = config.World{
		Rows:   []string{".....", ".....", "....."},
		Spawns: []world.Spawn{{X: 2, Y: 2, Dir: geom.Up}},
	}
	if tweak != nil {
		tweak(cfg)
	}

	s, err := New(cfg, fsys, Options{})
	require.NoError(t, err)
	return s, fsys, cfg
}

func runWithTimeout(t *testing.T, s *Session) *Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := s.Run(ctx)
	require.NoError(t, err)
	return sum
}

func TestRunUntilEmpty(t *testing.T) {
	dir := t.TempDir()
	s, fsys, _ := setupTestSession(t, `idle() move_forward()`, func(cfg *config.Config) {
		cfg.Journal.Dir = filepath.Join(dir, "journal")
		cfg.Index.Path = filepath.Join(dir, "index.db")
	})
	require.NoError(t, fsys.WriteFile("/main.lua", `
		fs.write_file("/out.txt", "size " .. world.width .. "x" .. world.height)
		return { ok = true }
	`, vfs.WriteOptions{}))

	var kinds []genome.Kind
	s.Subscribe(func(ev genome.Event) { kinds = append(kinds, ev.Kind) })

	sum := runWithTimeout(t, s)
	require.NoError(t, s.Close())

	assert.Equal(t, genome.ReasonEmpty, sum.Reason)
	assert.Equal(t, 3, sum.Ticks)
	assert.Equal(t, map[string]any{"ok": true}, sum.Main)
	assert.Equal(t, 1, sum.Stats.Births)
	assert.Equal(t, []string{".....", "..1..", "....."}, sum.Map)
	assert.Equal(t, genome.KindStop, kinds[len(kinds)-1])

	out, err := fsys.ReadFile("/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "size 5x3", out)

	matches, err := filepath.Glob(filepath.Join(dir, "journal", "events-*.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	records, err := journal.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, len(kinds), len(records))

	db, err := index.OpenReadOnly(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer db.Close()
	ticks, err := index.QueryTicks(context.Background(), db)
	require.NoError(t, err)
	assert.Len(t, ticks, 3)
}

func TestRunStopsAtLimit(t *testing.T) {
	s, _, _ := setupTestSession(t, `while true do idle() end`, func(cfg *config.Config) {
		cfg.Scheduler.TickLimit = 4
	})
	defer s.Close()

	sum := runWithTimeout(t, s)
	assert.Equal(t, genome.ReasonLimit, sum.Reason)
	assert.Equal(t, 4, sum.Ticks)
	assert.Nil(t, sum.Main)
}

func TestRunInterrupted(t *testing.T) {
	s, _, _ := setupTestSession(t, `while true do idle() end`, func(cfg *config.Config) {
		cfg.Scheduler.TickLimit = 1 << 30
	})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sum, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonInterrupted, sum.Reason)
	assert.Equal(t, 1, sum.Stats.Population)
}

func TestRunSkipsOccupiedSpawns(t *testing.T) {
	s, _, _ := setupTestSession(t, `idle()`, func(cfg *config.Config) {
		cfg.World.Spawns = []world.Spawn{{X: 1, Y: 1}, {X: 1, Y: 1}, {X: 3, Y: 1}}
	})
	defer s.Close()

	sum := runWithTimeout(t, s)
	assert.Equal(t, 2, sum.Stats.Births)
	assert.Equal(t, genome.ReasonEmpty, sum.Reason)
}

func TestGenomeSeesOnlyConsoleAndCapabilities(t *testing.T) {
	s, fsys, _ := setupTestSession(t, `
		pcall(function() fs.write_file("/main.lua", "return 2") end)
		if fs ~= nil or require ~= nil or world ~= nil or console == nil then
			self_kill()
		end
		console.log("genome", energy())
		idle()
	`, nil)
	defer s.Close()
	require.NoError(t, fsys.WriteFile("/main.lua", `return 1`, vfs.WriteOptions{}))

	var errs []error
	s.Subscribe(func(ev genome.Event) {
		if ev.Kind == genome.KindError {
			errs = append(errs, ev.Err)
		}
	})

	sum := runWithTimeout(t, s)
	assert.Empty(t, errs)
	assert.Equal(t, genome.ReasonEmpty, sum.Reason)
	assert.Equal(t, 0, sum.Stats.Deaths)
	assert.Equal(t, 1, sum.Stats.Population)

	main, err := fsys.ReadFile("/main.lua")
	require.NoError(t, err)
	assert.Equal(t, "return 1", main)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name    string
		genome  string
		main    string
		noFile  bool
		message string
	}{
		{name: "missing genome", noFile: true, message: "couldn't read genome /genome.lua"},
		{name: "genome does not compile", genome: `idle(`, message: "couldn't spawn genome"},
		{name: "main raises", genome: `idle()`, main: `error("nope")`, message: "main module failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fsys, _ := setupTestSession(t, tt.genome, nil)
			defer s.Close()
			if tt.noFile {
				require.NoError(t, fsys.Remove("/genome.lua", vfs.WriteOptions{}))
			}
			if tt.main != "" {
				require.NoError(t, fsys.WriteFile("/main.lua", tt.main, vfs.WriteOptions{}))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := s.Run(ctx)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestNewRejectsBadWorld(t *testing.T) {
	cfg := config.Default()
	cfg.World = config.World{}
	_, err := New(cfg, vfs.New(), Options{})
	assert.Error(t, err)
}
