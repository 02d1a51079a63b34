//go:build !windows

package command

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	r := NewRunner(nil)

	res, err := r.Run(context.Background(), "echo hello", RunOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)

	res, err = r.Run(context.Background(), "echo oops >&2; exit 3", RunOptions{Timeout: 10 * time.Second})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestRunEnforcesTimeout(t *testing.T) {
	r := NewRunner(nil)

	start := time.Now()
	res, err := r.Run(context.Background(), "sleep 30", RunOptions{
		Timeout:     200 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunHonorsWorkingDirAndEnv(t *testing.T) {
	r := NewRunner(nil)
	dir := t.TempDir()

	res, err := r.Run(context.Background(), "pwd; printf '%s' \"$OTTO_TEST_VAR\"", RunOptions{
		Timeout: 10 * time.Second,
		Dir:     dir,
		Env:     map[string]string{"OTTO_TEST_VAR": "wired"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, dir)
	assert.Contains(t, res.Stdout, "wired")
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	r := NewRunner(nil)
	_, err := r.Run(context.Background(), "", RunOptions{})
	assert.Error(t, err)
}

func TestIsServerCommand(t *testing.T) {
	servers := []string{
		"npm run dev",
		"yarn start",
		"pnpm run serve",
		"flask run",
		"python -m flask run --port 5001",
		"rails server",
		"node server.js",
		"node src/app.js",
		"vite",
		"npx next dev",
		"python3 -m http.server 8000",
		"uvicorn app:api --reload",
	}
	for _, cmd := range servers {
		assert.True(t, IsServerCommand(cmd), cmd)
	}

	foreground := []string{
		"git status",
		"ls -la",
		"npm install",
		"npm test",
		"node scripts/migrate.js",
		"python3 train.py",
		"go build ./...",
	}
	for _, cmd := range foreground {
		assert.False(t, IsServerCommand(cmd), cmd)
	}
}

func TestDetectPort(t *testing.T) {
	cases := []struct {
		line string
		port string
	}{
		{"Listening on http://localhost:3001", "3001"},
		{"Server running at http://127.0.0.1:8080/", "8080"},
		{"* Running on http://0.0.0.0:5000", "5000"},
		{"ready - started server on port 4000", "4000"},
		{"  ➜  Local:   http://localhost:5173/", "5173"},
	}
	for _, tc := range cases {
		port, ok := detectPort(tc.line)
		require.True(t, ok, tc.line)
		assert.Equal(t, tc.port, port, tc.line)
	}

	for _, line := range []string{"compiling modules...", "done in 1.2s", ""} {
		_, ok := detectPort(line)
		assert.False(t, ok, line)
	}
}

func TestOutputRingKeepsMostRecentLines(t *testing.T) {
	ring := newOutputRing(4)
	for i := 0; i < 10; i++ {
		ring.add(fmt.Sprintf("line-%d", i))
	}

	assert.Equal(t, 10, ring.lineCount())
	assert.Equal(t, []string{"line-7", "line-8", "line-9"}, ring.recent(3))
	assert.Equal(t, []string{"line-6", "line-7", "line-8", "line-9"}, ring.recent(100))
}

func TestLaunchBackgroundDetectsReadiness(t *testing.T) {
	r := NewRegistry(nil, WithReadinessWindow(2*time.Second))
	defer func() { _ = r.Close() }()

	res, err := r.LaunchBackground(context.Background(),
		"echo 'Listening on http://localhost:3001'; sleep 30", "")
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, "3001", res.Port)
	assert.Equal(t, ProcessRunning, res.Process.Status())

	got, ok := r.Get(res.Process.ID)
	require.True(t, ok)
	assert.Equal(t, "3001", got.Port())

	require.NoError(t, r.Kill(res.Process.ID, time.Second))
	assert.Equal(t, ProcessKilled, got.Status())
}

func TestLaunchBackgroundWindowExpiresQuietly(t *testing.T) {
	r := NewRegistry(nil, WithReadinessWindow(300*time.Millisecond))
	defer func() { _ = r.Close() }()

	res, err := r.LaunchBackground(context.Background(), "sleep 30", "")
	require.NoError(t, err)
	assert.False(t, res.Ready)
	assert.Empty(t, res.Port)
	assert.Equal(t, ProcessRunning, res.Process.Status())
}

func TestLaunchBackgroundEarlyExit(t *testing.T) {
	r := NewRegistry(nil, WithReadinessWindow(2*time.Second))
	defer func() { _ = r.Close() }()

	res, err := r.LaunchBackground(context.Background(), "echo boot failed >&2; exit 1", "")
	require.NoError(t, err)

	<-res.Process.Done()
	assert.Equal(t, ProcessFailed, res.Process.Status())
	assert.Equal(t, 1, res.Process.ExitCode())
}

func TestKillAllStopsEverything(t *testing.T) {
	r := NewRegistry(nil, WithReadinessWindow(100*time.Millisecond))
	defer func() { _ = r.Close() }()

	for i := 0; i < 3; i++ {
		_, err := r.LaunchBackground(context.Background(), "sleep 30", "")
		require.NoError(t, err)
	}
	require.NoError(t, r.KillAll(time.Second))

	for _, p := range r.List() {
		assert.Equal(t, ProcessKilled, p.Status())
	}
}

func TestKillRejectsUnknownAndTerminal(t *testing.T) {
	r := NewRegistry(nil, WithReadinessWindow(100*time.Millisecond))
	defer func() { _ = r.Close() }()

	assert.Error(t, r.Kill("nope", time.Second))

	res, err := r.LaunchBackground(context.Background(), "true", "")
	require.NoError(t, err)
	<-res.Process.Done()
	assert.Error(t, r.Kill(res.Process.ID, time.Second))
}

func TestRegistryPersistsToStateFile(t *testing.T) {
	state, err := NewStateFile(filepath.Join(t.TempDir(), "processes.json"))
	require.NoError(t, err)

	r := NewRegistry(nil, WithReadinessWindow(100*time.Millisecond), WithStateFile(state))
	defer func() { _ = r.Close() }()

	res, err := r.LaunchBackground(context.Background(), "sleep 30", "")
	require.NoError(t, err)

	records, err := state.Load()
	require.NoError(t, err)
	rec, ok := records[res.Process.ID]
	require.True(t, ok)
	assert.Equal(t, ProcessRunning, rec.Status)
	assert.NotZero(t, rec.PID)
	assert.True(t, rec.Alive())

	require.NoError(t, r.Kill(res.Process.ID, time.Second))
	records, err = state.Load()
	require.NoError(t, err)
	assert.Equal(t, ProcessKilled, records[res.Process.ID].Status)
	assert.False(t, records[res.Process.ID].Alive())
}

func TestReapRemovesOnlyTerminalProcesses(t *testing.T) {
	state, err := NewStateFile(filepath.Join(t.TempDir(), "processes.json"))
	require.NoError(t, err)
	r := NewRegistry(nil, WithReadinessWindow(100*time.Millisecond), WithStateFile(state))
	defer func() { _ = r.Close() }()

	res, err := r.LaunchBackground(context.Background(), "sleep 30", "")
	require.NoError(t, err)

	// Still running: reap is rejected and the entry stays.
	require.Error(t, r.Reap(res.Process.ID))
	_, ok := r.Get(res.Process.ID)
	assert.True(t, ok)

	require.NoError(t, r.Kill(res.Process.ID, time.Second))
	// Terminal entries stay listed until the caller reaps them.
	_, ok = r.Get(res.Process.ID)
	assert.True(t, ok)

	require.NoError(t, r.Reap(res.Process.ID))
	_, ok = r.Get(res.Process.ID)
	assert.False(t, ok)
	records, err := state.Load()
	require.NoError(t, err)
	assert.NotContains(t, records, res.Process.ID)

	assert.Error(t, r.Reap("nope"))
}
