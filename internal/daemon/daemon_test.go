package daemon

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgra59/apple-mcp-enhanced/internal/apperr"
	"github.com/tgra59/apple-mcp-enhanced/internal/bridge"
	"github.com/tgra59/apple-mcp-enhanced/internal/cache"
	"github.com/tgra59/apple-mcp-enhanced/internal/config"
)

type fakeBridge struct {
	contacts []bridge.RawContact
	listErr  error
}

func (f *fakeBridge) ListContacts(ctx context.Context) ([]bridge.RawContact, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.contacts, nil
}

func (f *fakeBridge) ServiceHandleExists(ctx context.Context, svc bridge.Service, number string) (bool, error) {
	return svc == bridge.ServiceIMessage, nil
}

func TestPIDFileAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	p := NewPIDFile(path)
	require.NoError(t, p.Acquire())

	pid, running := ReadPID(path)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "marker should be removed on release")
}

func TestPIDFileSecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	first := NewPIDFile(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewPIDFile(path)
	err := second.Acquire()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrAlreadyRunning), "err=%v", err)
}

func TestStaleMarkerClearedForDeadProcess(t *testing.T) {
	// A short-lived child gives us a pid that is recorded but dead.
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	deadPID := cmd.Process.Pid

	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(deadPID)), 0644))

	pid, running := ReadPID(path)
	assert.False(t, running, "dead pid %d reported running", pid)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "stale marker should be cleared")

	// A fresh acquire now succeeds.
	p := NewPIDFile(path)
	require.NoError(t, p.Acquire())
	require.NoError(t, p.Release())
}

func TestStatusAfterStaleMarker(t *testing.T) {
	t.Setenv("APPLE_MCP_CONFIG_DIR", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("APPLE_MCP_DATA_DIR", dataDir)

	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	pidPath := filepath.Join(dataDir, PIDFileName)
	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(cmd.Process.Pid)), 0644))

	st, err := Status(cache.NewStore(dataDir), pidPath)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Zero(t, st.PID)
	assert.True(t, st.Stale, "never-built cache must report stale")
	assert.Nil(t, st.LastFullUpdate)
	assert.NotNil(t, st.Config)

	_, serr := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(serr), "marker should be cleared by the status check")
}

func TestDaemonLifecycle(t *testing.T) {
	t.Setenv("APPLE_MCP_CONFIG_DIR", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("APPLE_MCP_DATA_DIR", dataDir)

	fb := &fakeBridge{contacts: []bridge.RawContact{
		{Name: "Ana Samat", Phones: []string{"+34618823793"}},
	}}
	store := cache.NewStore(dataDir)
	pidPath := filepath.Join(dataDir, PIDFileName)
	d := New(fb, store, pidPath, nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return d.State() == StateRunning },
		5*time.Second, 10*time.Millisecond, "daemon never reached running")

	// The stale empty snapshot triggered a synchronous refresh before
	// the run loop started.
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Meta.ContactCount)
	assert.Equal(t, cache.ClassificationIMessage,
		snap.Capabilities["+34618823793"].Classification)

	pid, running := ReadPID(pidPath)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
	assert.False(t, d.NextRun().IsZero())

	d.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, StateStopped, d.State())
	_, serr := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(serr), "marker should be removed on stop")
}

func TestConfigChangeRearmsTimer(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("APPLE_MCP_CONFIG_DIR", configDir)
	dataDir := t.TempDir()
	t.Setenv("APPLE_MCP_DATA_DIR", dataDir)

	cfg := config.Default()
	cfg.UpdateIntervalHours = 24
	require.NoError(t, cfg.Save())

	fb := &fakeBridge{contacts: []bridge.RawContact{
		{Name: "Ana Samat", Phones: []string{"+34618823793"}},
	}}
	store := cache.NewStore(dataDir)
	d := New(fb, store, filepath.Join(dataDir, PIDFileName), nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	require.Eventually(t, func() bool { return d.State() == StateRunning },
		5*time.Second, 10*time.Millisecond)

	before := d.NextRun()
	require.False(t, before.IsZero())

	// Shorten the interval on disk; the watcher must re-arm the timer
	// without waiting for the old 24h tick. Saved inside the poll loop
	// since the watcher registers just after the state flips to running.
	cfg.UpdateIntervalHours = 1
	require.Eventually(t, func() bool {
		if err := cfg.Save(); err != nil {
			return false
		}
		return d.NextRun().Before(before.Add(-22 * time.Hour))
	}, 5*time.Second, 20*time.Millisecond, "timer was not re-armed for the new interval")
	assert.True(t, d.NextRun().After(time.Now()), "next run must still be in the future")

	d.Stop()
	require.NoError(t, <-done)
}

func TestFailedRefreshKeepsDaemonRunning(t *testing.T) {
	t.Setenv("APPLE_MCP_CONFIG_DIR", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("APPLE_MCP_DATA_DIR", dataDir)

	// Seed an old snapshot so the startup staleness check attempts a
	// refresh, which the bridge then fails.
	store := cache.NewStore(dataDir)
	built := time.Now().Add(-48 * time.Hour)
	seeded := cache.BuildSnapshot(
		[]cache.ContactEntry{{Name: "Ana Samat", PhoneNumbers: []string{"+34618823793"}}},
		nil,
		built,
	)
	require.NoError(t, store.Save(seeded))

	fb := &fakeBridge{listErr: errors.New("bridge unavailable")}
	d := New(fb, store, filepath.Join(dataDir, PIDFileName), nil)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool { return d.State() == StateRunning },
		5*time.Second, 10*time.Millisecond, "refresh failure must not stop the daemon")
	assert.False(t, d.NextRun().IsZero(), "next refresh must still be scheduled")

	// The failed refresh must not have clobbered the existing snapshot.
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Meta.ContactCount)
	assert.True(t, snap.Meta.LastFullUpdate.Equal(built),
		"snapshot timestamp must be untouched after a failed refresh")

	d.Stop()
	require.NoError(t, <-done)
}

func TestSecondDaemonRefusesToStart(t *testing.T) {
	t.Setenv("APPLE_MCP_CONFIG_DIR", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("APPLE_MCP_DATA_DIR", dataDir)

	fb := &fakeBridge{}
	store := cache.NewStore(dataDir)
	pidPath := filepath.Join(dataDir, PIDFileName)

	first := New(fb, store, pidPath, nil)
	done := make(chan error, 1)
	go func() { done <- first.Run(context.Background()) }()
	require.Eventually(t, func() bool { return first.State() == StateRunning },
		5*time.Second, 10*time.Millisecond)

	second := New(fb, store, pidPath, nil)
	err := second.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrAlreadyRunning), "err=%v", err)
	assert.Equal(t, StateStopped, second.State())

	first.Stop()
	require.NoError(t, <-done)
}
