package executor

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartGroupedCapturesStdout(t *testing.T) {
	child, err := StartGrouped(context.Background(), "sh", []string{"-c", "echo hello"}, "", nil)
	require.NoError(t, err)
	defer child.Close()

	scanner := bufio.NewScanner(child.Stdout)
	require.True(t, scanner.Scan())
	require.Equal(t, "hello", scanner.Text())

	select {
	case code := <-child.ExitC:
		require.Equal(t, 0, code)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}
}

func TestStartGroupedCloseTerminatesProcess(t *testing.T) {
	child, err := StartGrouped(context.Background(), "sleep", []string{"30"}, "", nil)
	require.NoError(t, err)

	require.NoError(t, child.Close())

	select {
	case <-child.ExitC:
	case <-time.After(2 * time.Second):
		t.Fatal("process was not terminated by Close")
	}
}

func TestStartGroupedPTYCapturesStdout(t *testing.T) {
	child, err := StartGroupedPTY(context.Background(), "sh", []string{"-c", "echo hello-pty"}, "", nil)
	require.NoError(t, err)
	defer child.Close()

	scanner := bufio.NewScanner(child.Stdout)
	require.True(t, scanner.Scan())
	require.Contains(t, scanner.Text(), "hello-pty")

	select {
	case <-child.ExitC:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}
}
