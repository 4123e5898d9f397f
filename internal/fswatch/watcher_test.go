package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrate-dev/orchestrator/internal/logging"
)

func TestWatcherFiresOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	var fired int32

	w, err := New(dir, logging.Discard(), func() { atomic.AddInt32(&fired, 1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcherSkipsAlwaysSkipDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))

	var fired int32
	w, err := New(dir, logging.Discard(), func() { atomic.AddInt32(&fired, 1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "pkg.js"), []byte("x"), 0o644))

	time.Sleep(400 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&fired))
}

func TestWatcherTracksNewDirectories(t *testing.T) {
	dir := t.TempDir()
	var fired int32

	w, err := New(dir, logging.Discard(), func() { atomic.AddInt32(&fired, 1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "b.txt"), []byte("hi"), 0o644))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) > 0
	}, 2*time.Second, 20*time.Millisecond)
}
